// Package redis mirrors acknowledgments to a Redis pub/sub channel as JSON.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/q4d/adapter"
)

// Defaults applied by New.
const (
	DefaultChannel = "q4d:acks"
	DefaultTimeout = 5 * time.Second
)

// Config configures the Redis mirror.
type Config struct {
	// URL is redis://[user:password@]host:port[/db] (required).
	URL string
	// Channel defaults to q4d:acks.
	Channel string
	// Timeout bounds one PUBLISH (default 5s).
	Timeout time.Duration
	Retry   adapter.Retry
}

// Adapter publishes acknowledgments with PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis mirror. The connection is opened lazily.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis mirror requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis mirror: invalid URL: %w", err)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	// The policy owns retries.
	opts.MaxRetries = -1
	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Publish sends one acknowledgment. A closed client is not retried.
func (a *Adapter) Publish(ctx context.Context, event *adapter.AckNotification) error {
	if event == nil {
		return errors.New("redis mirror: nil event")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis mirror: marshal event: %w", err)
	}

	err = a.config.Retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		err := a.client.Publish(ctx, a.config.Channel, body).Err()
		if errors.Is(err, goredis.ErrClosed) {
			return adapter.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("redis mirror: %s for %s on %s: %w", event.Outcome, event.ContentHash, a.config.Channel, err)
	}
	return nil
}

// Close releases the connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
