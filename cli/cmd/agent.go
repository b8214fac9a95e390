package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/q4d/adapter"
	redismirror "github.com/pithecene-io/q4d/adapter/redis"
	"github.com/pithecene-io/q4d/adapter/webhook"
	"github.com/pithecene-io/q4d/cli/config"
	"github.com/pithecene-io/q4d/dispatch"
	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/metrics"
	"github.com/pithecene-io/q4d/supervisor"
	"github.com/pithecene-io/q4d/transfer"
	"github.com/pithecene-io/q4d/transport/mqtt"
	"github.com/pithecene-io/q4d/transport/redis"
	"github.com/pithecene-io/q4d/typemap"
)

// agent wires one bus session to the transfer pipeline.
type agent struct {
	supervisor *supervisor.Supervisor
	mirror     adapter.Adapter
	collector  *metrics.Collector
	logger     *log.Logger
}

// newAgent builds every component from a validated config. The type
// mapping is loaded here, once, before anything connects.
func newAgent(cfg *config.Config, logger *log.Logger) (*agent, error) {
	mode, err := cfg.FileMode()
	if err != nil {
		return nil, err
	}

	mapPath, err := cfg.TypeMappingPath()
	if err != nil {
		return nil, err
	}
	dirs, err := typemap.Load(mapPath, logger.Named("typemap"))
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(cfg.Bus.Transport)

	executor := transfer.NewExecutor(transfer.Config{
		Remote: transfer.Remote{
			Host:        cfg.Transfer.Host,
			Credentials: cfg.Transfer.Creds,
			Threads:     cfg.Transfer.Threads,
			Segments:    cfg.Transfer.Segments,
		},
		Tool:      cfg.Transfer.Tool,
		Mode:      mode,
		Collector: collector,
	}, dirs, logger.Named("transfer"))

	sup := supervisor.New(supervisor.Config{
		Host:           cfg.Bus.Host,
		Port:           cfg.Bus.Port,
		Keepalive:      cfg.Bus.Keepalive.Duration,
		InitialBackoff: cfg.Bus.InitialBackoff.Duration,
		MaxBackoff:     cfg.Bus.MaxBackoff.Duration,
		PollInterval:   cfg.Bus.PollInterval.Duration,
		Collector:      collector,
	}, transport, logger.Named("supervisor"))

	mirror, err := newMirror(cfg)
	if err != nil {
		return nil, err
	}

	sup.Handle(dispatch.New(dispatch.Config{
		Labelling: cfg.LabellingEnabled(),
		Mirror:    mirror,
		Collector: collector,
	}, executor, sup, logger.Named("dispatch")))

	return &agent{
		supervisor: sup,
		mirror:     mirror,
		collector:  collector,
		logger:     logger,
	}, nil
}

// newMirror builds the optional acknowledgment mirrors. It returns nil
// when none is configured. Mirror retries never wait longer than the
// first bus reconnect delay.
func newMirror(cfg *config.Config) (adapter.Adapter, error) {
	retry := func(retries *int, def int) adapter.Retry {
		return adapter.Retry{
			Retries:    intOr(retries, def),
			MaxBackoff: cfg.Bus.InitialBackoff.Duration,
		}
	}

	var mirrors adapter.Fanout
	if cfg.Webhook.URL != "" {
		wh, err := webhook.New(webhook.Config{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: cfg.Webhook.Timeout.Duration,
			Retry:   retry(cfg.Webhook.Retries, config.DefaultWebhookRetries),
		})
		if err != nil {
			return nil, fmt.Errorf("webhook mirror: %w", err)
		}
		mirrors = append(mirrors, wh)
	}
	if cfg.RedisMirror.URL != "" {
		rm, err := redismirror.New(redismirror.Config{
			URL:     cfg.RedisMirror.URL,
			Channel: cfg.RedisMirror.Channel,
			Timeout: cfg.RedisMirror.Timeout.Duration,
			Retry:   retry(cfg.RedisMirror.Retries, config.DefaultMirrorRetries),
		})
		if err != nil {
			_ = mirrors.Close()
			return nil, err
		}
		mirrors = append(mirrors, rm)
	}
	if len(mirrors) == 0 {
		return nil, nil
	}
	return mirrors, nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// newTransport selects the bus client named by bus.transport.
func newTransport(cfg *config.Config) (supervisor.Transport, error) {
	switch cfg.Bus.Transport {
	case config.TransportMQTT:
		return mqtt.New(mqtt.Config{
			ClientID: cfg.Bus.ClientID,
			Username: cfg.Bus.User,
			Password: cfg.Bus.Password,
		}), nil
	case config.TransportRedis:
		return redis.New(redis.Config{
			Username: cfg.Bus.User,
			Password: cfg.Bus.Password,
		}), nil
	default:
		return nil, fmt.Errorf("unknown bus transport: %q", cfg.Bus.Transport)
	}
}

// run supervises the bus until ctx ends. A cancelled context is a clean
// shutdown and returns nil.
func (a *agent) run(ctx context.Context) error {
	err := a.supervisor.Start(ctx)

	if a.mirror != nil {
		if cerr := a.mirror.Close(); cerr != nil {
			a.logger.Warn("failed to close webhook mirror", map[string]any{"error": cerr.Error()})
		}
	}

	a.logger.Info("agent stopped", a.collector.Snapshot().Fields())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
