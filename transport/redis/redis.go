// Package redis implements the bus transport over Redis pub/sub.
//
// Topics map one-to-one onto channels. Redis pub/sub delivers at most
// once, so every subscription is granted QoSAtMostOnce regardless of the
// requested guarantee.
//
// Each subscription has its own receive goroutine, but all of them feed
// one inbox drained by a single long-lived worker. A handler still running
// when its session is lost therefore finishes before anything received on
// the next session is delivered.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/q4d/supervisor"
	"github.com/pithecene-io/q4d/types"
)

// Defaults applied by New.
const (
	DefaultTimeout   = 5 * time.Second
	DefaultInboxSize = 64
)

// Config configures the Redis transport.
type Config struct {
	Username string
	Password string
	DB       int
	// Timeout bounds connect, subscribe and publish (default 5s).
	Timeout time.Duration
	// InboxSize bounds received messages waiting for the handler.
	InboxSize int
}

// session is one live pub/sub subscription.
type session struct {
	pubsub *goredis.PubSub
	stop   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.pubsub.Close()
	})
}

// Transport is a supervisor.Transport backed by go-redis.
type Transport struct {
	config Config
	hooks  supervisor.Hooks

	inbox     chan supervisor.Message
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu        sync.Mutex
	client    *goredis.Client
	sessions  []*session
	keepalive time.Duration
	closed    bool
}

// New creates a Redis transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	return &Transport{
		config: cfg,
		inbox:  make(chan supervisor.Message, cfg.InboxSize),
		stop:   make(chan struct{}),
	}
}

// Bind implements supervisor.Transport.
func (t *Transport) Bind(hooks supervisor.Hooks) { t.hooks = hooks }

// Connect dials the server and verifies the session with PING.
func (t *Transport) Connect(ctx context.Context, opts supervisor.ConnectOptions) error {
	t.teardown()

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Username:     t.config.Username,
		Password:     t.config.Password,
		DB:           t.config.DB,
		DialTimeout:  t.config.Timeout,
		WriteTimeout: t.config.Timeout,
		// Retries belong to the supervisor.
		MaxRetries: -1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if isAuthError(err) {
			t.hooks.OnConnect(supervisor.ConnRefusedCredentials)
			return &supervisor.ConnectRefusedError{Code: supervisor.ConnRefusedCredentials}
		}
		return fmt.Errorf("redis: connect %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = client.Close()
		return errors.New("redis: transport closed")
	}
	t.client = client
	t.keepalive = opts.Keepalive
	t.mu.Unlock()

	t.startOnce.Do(func() { go t.deliver() })

	t.hooks.OnLog(supervisor.LogDebug, "redis: connected to "+addr)
	t.hooks.OnConnect(supervisor.ConnAccepted)
	return nil
}

// Subscribe subscribes to topic and starts delivering its messages.
func (t *Transport) Subscribe(topic string, _ types.QoS) error {
	t.mu.Lock()
	client := t.client
	keepalive := t.keepalive
	t.mu.Unlock()
	if client == nil {
		return errors.New("redis: not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
	defer cancel()

	ps := client.Subscribe(ctx, topic)
	// Wait for the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis: subscribe %s: %w", topic, err)
	}

	s := &session{pubsub: ps, stop: make(chan struct{})}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()

	go t.receive(s)
	if keepalive > 0 {
		go t.ping(s, keepalive)
	}

	t.hooks.OnSubscribe(topic, types.QoSAtMostOnce)
	return nil
}

// receive queues the session's messages for the delivery worker. A
// message already read is queued even if the session is lost meanwhile.
func (t *Transport) receive(s *session) {
	for {
		in, err := s.pubsub.ReceiveMessage(context.Background())
		if err != nil {
			t.lost(s, err)
			return
		}
		msg := supervisor.Message{
			Topic:   in.Channel,
			Payload: []byte(in.Payload),
			QoS:     types.QoSAtMostOnce,
		}
		select {
		case t.inbox <- msg:
		case <-t.stop:
			t.dropped(msg)
			return
		}
		select {
		case <-t.stop:
			t.discardQueued()
			return
		default:
		}
	}
}

// deliver hands queued messages to the handler in arrival order, one at a
// time, across every session.
func (t *Transport) deliver() {
	for {
		select {
		case <-t.stop:
			return
		case msg := <-t.inbox:
			select {
			case <-t.stop:
				t.dropped(msg)
				t.discardQueued()
				return
			default:
			}
			t.hooks.OnMessage(msg)
		}
	}
}

// discardQueued logs and drops every message still in the inbox.
func (t *Transport) discardQueued() {
	for {
		select {
		case msg := <-t.inbox:
			t.dropped(msg)
		default:
			return
		}
	}
}

func (t *Transport) dropped(msg supervisor.Message) {
	t.hooks.OnLog(supervisor.LogWarning, fmt.Sprintf("redis: transport closed, discarding queued message on %s: %q", msg.Topic, msg.Payload))
}

// ping keeps the subscription connection alive and detects a dead server.
func (t *Transport) ping(s *session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
			err := s.pubsub.Ping(ctx)
			cancel()
			if err != nil {
				t.lost(s, err)
				return
			}
		}
	}
}

// lost reports an unexpected disconnect once per session. Sessions closed
// by the transport itself are not reported.
func (t *Transport) lost(s *session, err error) {
	select {
	case <-s.stop:
		return
	default:
	}

	t.mu.Lock()
	if !slices.Contains(t.sessions, s) {
		t.mu.Unlock()
		return
	}
	client := t.client
	sessions := t.sessions
	t.sessions = nil
	t.client = nil
	t.mu.Unlock()

	for _, live := range sessions {
		live.close()
	}
	if client != nil {
		_ = client.Close()
	}
	t.hooks.OnLog(supervisor.LogWarning, "redis: connection lost: "+err.Error())
	t.hooks.OnDisconnect(supervisor.DisconnectUnexpected)
}

// Publish sends payload to the topic channel.
func (t *Transport) Publish(topic string, payload []byte, _ types.QoS) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return errors.New("redis: not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
	defer cancel()
	if err := client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", topic, err)
	}
	t.hooks.OnPublish(topic)
	return nil
}

// Disconnect closes the session and reports a clean disconnect.
func (t *Transport) Disconnect() error {
	if !t.teardown() {
		return nil
	}
	t.hooks.OnDisconnect(supervisor.DisconnectClean)
	return nil
}

// Close releases all resources and discards queued messages with a log
// line each. The transport cannot reconnect afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.teardown()
	t.stopOnce.Do(func() { close(t.stop) })
	t.discardQueued()
	return nil
}

// teardown closes the current client and subscriptions without reporting.
// It returns false when there was nothing to close.
func (t *Transport) teardown() bool {
	t.mu.Lock()
	client := t.client
	sessions := t.sessions
	t.client = nil
	t.sessions = nil
	t.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if client == nil {
		return false
	}
	_ = client.Close()
	return true
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "invalid password")
}

var _ supervisor.Transport = (*Transport)(nil)
