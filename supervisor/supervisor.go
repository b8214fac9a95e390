// Package supervisor keeps the bus session alive.
//
// A Supervisor owns a Transport, reconnects it with exponential backoff,
// subscribes to the request topic on every successful connect, and hands
// inbound payloads to a Handler one at a time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/metrics"
	"github.com/pithecene-io/q4d/types"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultPollInterval   = 1 * time.Second
	DefaultKeepalive      = 60 * time.Second
)

var (
	// ErrNotConnected is returned by Publish while no session is up.
	ErrNotConnected = errors.New("not connected")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("supervisor stopped")
)

// Handler processes an inbound request payload.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte) {
	f(ctx, payload)
}

// Config configures a Supervisor.
type Config struct {
	Host      string
	Port      int
	Keepalive time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PollInterval   time.Duration

	// Topic is the request topic. Defaults to types.TopicDown.
	Topic string

	Collector *metrics.Collector

	// Wait blocks for d or until ctx is done. Tests replace it.
	Wait func(ctx context.Context, d time.Duration) error
}

// Supervisor is the bus connection state machine.
type Supervisor struct {
	config    Config
	transport Transport
	logger    *log.Logger

	mu        sync.Mutex
	state     State
	connected bool
	running   bool
	backoff   time.Duration
	handler   Handler
	cancel    context.CancelFunc
	done      chan struct{}
	// msgCtx carries the run's values without its cancellation, so a
	// stop never interrupts a transfer already underway.
	msgCtx context.Context
}

// New creates a Supervisor and binds it to transport.
func New(cfg Config, transport Transport, logger *log.Logger) *Supervisor {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.Topic == "" {
		cfg.Topic = types.TopicDown
	}
	if cfg.Wait == nil {
		cfg.Wait = wait
	}
	if logger == nil {
		logger = log.Nop()
	}

	s := &Supervisor{
		config:    cfg,
		transport: transport,
		logger:    logger,
		state:     StateIdle,
		backoff:   cfg.InitialBackoff,
		msgCtx:    context.Background(),
	}
	transport.Bind(s)
	return s
}

// Handle sets the message handler. Call before Start.
func (s *Supervisor) Handle(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a session is up.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Backoff returns the delay that will precede the next retry.
func (s *Supervisor) Backoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

// transition moves to next if legal. Caller holds mu.
func (s *Supervisor) transition(next State) bool {
	if !CanTransition(s.state, next) {
		s.logger.Debug("ignoring state transition", map[string]any{
			"from": s.state.String(),
			"to":   next.String(),
		})
		return false
	}
	s.state = next
	return true
}

// Start connects and supervises the session until Stop is called or ctx is
// done. It returns nil after Stop and ctx.Err() when ctx ends the run.
// A second concurrent call waits for the running session to end.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.running {
		done := s.done
		s.mu.Unlock()
		s.logger.Warn("supervisor already running", nil)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.msgCtx = context.WithoutCancel(runCtx)
	done := s.done
	s.mu.Unlock()
	defer close(done)

	s.logger.Info("starting bus supervisor", map[string]any{
		"host":      s.config.Host,
		"port":      s.config.Port,
		"topic":     s.config.Topic,
		"keepalive": s.config.Keepalive.String(),
	})

	s.connectWithRetry(runCtx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			s.Stop()
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		case <-ticker.C:
			if !s.Connected() {
				s.logger.Warn("connection lost, attempting to reconnect", nil)
				s.connectWithRetry(runCtx)
			}
		}
	}
}

// connectWithRetry attempts to connect until a session is up, the run is
// cancelled, or Stop is called. The delay between attempts starts at
// InitialBackoff and doubles up to MaxBackoff.
func (s *Supervisor) connectWithRetry(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.running || s.connected {
			s.mu.Unlock()
			return
		}
		s.transition(StateConnecting)
		s.mu.Unlock()

		s.config.Collector.IncConnectAttempt()
		s.logger.Debug("connecting to broker", map[string]any{
			"host": s.config.Host,
			"port": s.config.Port,
		})

		err := s.transport.Connect(ctx, ConnectOptions{
			Host:      s.config.Host,
			Port:      s.config.Port,
			Keepalive: s.config.Keepalive,
		})
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.config.Collector.IncConnectFailure()

		delay := s.Backoff()
		s.logger.Error("failed to connect", map[string]any{
			"host":  s.config.Host,
			"port":  s.config.Port,
			"error": err.Error(),
			"retry": delay.String(),
		})

		if err := s.config.Wait(ctx, delay); err != nil {
			return
		}

		s.mu.Lock()
		s.backoff = min(s.backoff*2, s.config.MaxBackoff)
		next := s.backoff
		s.mu.Unlock()
		s.logger.Debug("backoff increased", map[string]any{"next": next.String()})
	}
}

// Stop ends supervision. It cancels any pending backoff, disconnects a
// live session and shuts the transport down. Safe to call before Start
// and more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	wasConnected := s.connected
	s.running = false
	s.transition(StateStopped)
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping bus supervisor", nil)
	if cancel != nil {
		cancel()
	}
	if wasConnected {
		if err := s.transport.Disconnect(); err != nil {
			s.logger.Warn("disconnect failed", map[string]any{"error": err.Error()})
		}
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close failed", map[string]any{"error": err.Error()})
	}
	s.logger.Info("bus supervisor stopped", nil)
}

// Publish sends payload to topic. While disconnected it returns
// ErrNotConnected without touching the transport.
func (s *Supervisor) Publish(topic string, payload []byte, qos types.QoS) error {
	if !s.Connected() {
		s.logger.Warn("cannot publish, not connected", map[string]any{"topic": topic})
		return ErrNotConnected
	}
	if err := s.transport.Publish(topic, payload, qos); err != nil {
		s.logger.Error("failed to publish", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	s.logger.Debug("publish queued", map[string]any{
		"topic":   topic,
		"payload": string(payload),
		"qos":     qos.String(),
	})
	return nil
}

// OnConnect implements Hooks.
func (s *Supervisor) OnConnect(code byte) {
	if code != ConnAccepted {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.logger.Error("connection refused", map[string]any{
			"code":   code,
			"reason": ConnectReason(code),
		})
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("ignoring connect acknowledgment after stop", nil)
		return
	}
	s.connected = true
	s.backoff = s.config.InitialBackoff
	s.transition(StateConnected)
	s.mu.Unlock()

	s.config.Collector.IncConnect()
	s.logger.Info("connected to broker", map[string]any{
		"host": s.config.Host,
		"port": s.config.Port,
	})

	// A failed subscribe is only logged. The session stays up.
	if err := s.transport.Subscribe(s.config.Topic, types.QoSStrongest); err != nil {
		s.logger.Error("subscribe failed", map[string]any{
			"topic": s.config.Topic,
			"error": err.Error(),
		})
		return
	}
	s.logger.Info("subscribed", map[string]any{"topic": s.config.Topic})
}

// OnDisconnect implements Hooks.
func (s *Supervisor) OnDisconnect(code byte) {
	s.mu.Lock()
	s.connected = false
	if s.state == StateConnected || s.state == StateConnecting {
		s.transition(StateDisconnected)
	}
	running := s.running
	s.mu.Unlock()

	s.config.Collector.IncDisconnect()
	if code == DisconnectClean {
		s.logger.Info("disconnected", map[string]any{"reason": DisconnectReason(code)})
	} else {
		s.logger.Warn("disconnected", map[string]any{
			"code":   code,
			"reason": DisconnectReason(code),
		})
	}
	if running {
		s.logger.Info("will attempt to reconnect", nil)
	}
}

// OnMessage implements Hooks. The handler runs on the caller's goroutine,
// so messages are processed strictly one at a time.
func (s *Supervisor) OnMessage(msg Message) {
	s.config.Collector.IncMessageReceived()
	s.logger.Info("event received", map[string]any{"payload": string(msg.Payload)})
	s.logger.Debug("message details", map[string]any{
		"topic":     msg.Topic,
		"qos":       msg.QoS.String(),
		"retained":  msg.Retained,
		"duplicate": msg.Duplicate,
	})

	s.mu.Lock()
	h := s.handler
	ctx := s.msgCtx
	s.mu.Unlock()
	if h == nil {
		s.logger.Warn("no handler registered, dropping message", nil)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", map[string]any{
				"panic":   fmt.Sprint(r),
				"payload": string(msg.Payload),
			})
		}
	}()
	h.HandleMessage(ctx, msg.Payload)
}

// OnSubscribe implements Hooks.
func (s *Supervisor) OnSubscribe(topic string, granted types.QoS) {
	s.logger.Debug("subscription acknowledged", map[string]any{
		"topic":   topic,
		"granted": granted.String(),
	})
}

// OnPublish implements Hooks.
func (s *Supervisor) OnPublish(topic string) {
	s.logger.Debug("message published", map[string]any{"topic": topic})
}

// OnLog implements Hooks.
func (s *Supervisor) OnLog(level LogLevel, text string) {
	switch level {
	case LogDebug, LogInfo:
		s.logger.Debug(text, nil)
	case LogNotice:
		s.logger.Info(text, nil)
	case LogWarning:
		s.logger.Warn(text, nil)
	default:
		s.logger.Error(text, nil)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
