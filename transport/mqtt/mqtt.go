// Package mqtt implements the bus transport over MQTT 3.1.1 using the
// Eclipse Paho client.
//
// Paho's own reconnect logic is disabled; the supervisor owns retries.
// Inbound messages are queued into a bounded inbox and handed to the
// supervisor by a single worker goroutine, so the network loop never
// waits on a transfer and messages are processed one at a time in
// arrival order.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/pithecene-io/q4d/supervisor"
	"github.com/pithecene-io/q4d/types"
)

// Defaults applied by New.
const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultPublishTimeout   = 30 * time.Second
	DefaultInboxSize        = 64
	// DisconnectQuiesce is how long Disconnect waits for in-flight work, in
	// milliseconds.
	DisconnectQuiesce = 250
)

// subscribeFailure is the SUBACK return code for a rejected subscription.
const subscribeFailure = 0x80

// ErrNotConnected is returned when no session is up.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config configures the MQTT transport.
type Config struct {
	// ClientID defaults to "q4d-" followed by a random UUID.
	ClientID string
	Username string
	Password string

	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration
	PublishTimeout   time.Duration
	// InboxSize bounds queued inbound messages. When the inbox is full the
	// network loop waits.
	InboxSize int

	// NewClient builds the Paho client. Defaults to paho.NewClient.
	NewClient func(*paho.ClientOptions) paho.Client
}

// Transport is a supervisor.Transport backed by Paho.
type Transport struct {
	config Config
	hooks  supervisor.Hooks

	inbox     chan supervisor.Message
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu     sync.Mutex
	client paho.Client
	// pending is the client whose CONNACK is still outstanding.
	pending paho.Client
	closed  bool
}

// New creates an MQTT transport.
func New(cfg Config) *Transport {
	if cfg.ClientID == "" {
		cfg.ClientID = "q4d-" + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.NewClient == nil {
		cfg.NewClient = paho.NewClient
	}
	return &Transport{
		config: cfg,
		inbox:  make(chan supervisor.Message, cfg.InboxSize),
		stop:   make(chan struct{}),
	}
}

// ClientID returns the identifier presented to the broker.
func (t *Transport) ClientID() string { return t.config.ClientID }

// Bind implements supervisor.Transport. It also routes Paho's internal
// diagnostics to hooks.
func (t *Transport) Bind(hooks supervisor.Hooks) {
	t.hooks = hooks
	paho.ERROR = logBridge{hooks: hooks, level: supervisor.LogError}
	paho.CRITICAL = logBridge{hooks: hooks, level: supervisor.LogError}
	paho.WARN = logBridge{hooks: hooks, level: supervisor.LogWarning}
	paho.DEBUG = logBridge{hooks: hooks, level: supervisor.LogDebug}
}

func (t *Transport) options(opts supervisor.ConnectOptions) *paho.ClientOptions {
	broker := "tcp://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	return paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(t.config.ClientID).
		SetUsername(t.config.Username).
		SetPassword(t.config.Password).
		SetKeepAlive(opts.Keepalive).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(t.config.ConnectTimeout).
		SetDefaultPublishHandler(t.enqueue).
		SetConnectionLostHandler(t.connectionLost)
}

// Connect opens a session and waits for the CONNACK.
func (t *Transport) Connect(ctx context.Context, opts supervisor.ConnectOptions) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("mqtt: transport closed")
	}
	previous := t.client
	t.client = nil
	t.mu.Unlock()
	if previous != nil {
		previous.Disconnect(0)
	}

	t.startOnce.Do(func() { go t.deliver() })

	client := t.config.NewClient(t.options(opts))
	t.mu.Lock()
	t.pending = client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		t.abandon(client)
		client.Disconnect(0)
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		t.abandon(client)
		if code := returnCode(token); code >= supervisor.ConnRefusedProtocolVersion && code <= supervisor.ConnRefusedNotAuthorised {
			t.hooks.OnConnect(code)
			return &supervisor.ConnectRefusedError{Code: code}
		}
		return fmt.Errorf("mqtt: connect %s:%d: %w", opts.Host, opts.Port, err)
	}

	// Paho starts its network workers before completing the token, so the
	// connection may already be gone.
	t.mu.Lock()
	lost := t.pending != client
	t.pending = nil
	closed := t.closed
	if !lost && !closed {
		t.client = client
	}
	t.mu.Unlock()
	switch {
	case closed:
		client.Disconnect(0)
		return errors.New("mqtt: transport closed")
	case lost:
		client.Disconnect(0)
		return fmt.Errorf("mqtt: connect %s:%d: connection lost during handshake", opts.Host, opts.Port)
	}

	t.hooks.OnConnect(supervisor.ConnAccepted)

	// A loss reported between recording the client and OnConnect reached
	// the supervisor first; report it again so it is not left connected.
	t.mu.Lock()
	stale := t.client != client && !t.closed
	t.mu.Unlock()
	if stale {
		t.hooks.OnDisconnect(supervisor.DisconnectUnexpected)
	}
	return nil
}

// abandon forgets client if its connect is still pending.
func (t *Transport) abandon(client paho.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == client {
		t.pending = nil
	}
}

// Subscribe subscribes to topic and waits for the SUBACK.
func (t *Transport) Subscribe(topic string, qos types.QoS) error {
	client := t.current()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Subscribe(topic, byte(qos), nil)
	if !token.WaitTimeout(t.config.SubscribeTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timed out after %s", topic, t.config.SubscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}

	granted := qos
	if result, ok := token.(interface{ Result() map[string]byte }); ok {
		if code, ok := result.Result()[topic]; ok {
			if code == subscribeFailure {
				return fmt.Errorf("mqtt: subscribe %s: rejected by broker", topic)
			}
			granted = types.QoS(code)
		}
	}
	t.hooks.OnSubscribe(topic, granted)
	return nil
}

// Publish queues payload for delivery and returns without waiting for the
// broker. Completion is reported through OnPublish.
func (t *Transport) Publish(topic string, payload []byte, qos types.QoS) error {
	client := t.current()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Publish(topic, byte(qos), false, payload)
	go func() {
		if !token.WaitTimeout(t.config.PublishTimeout) {
			t.hooks.OnLog(supervisor.LogWarning, "mqtt: publish to "+topic+" not confirmed within "+t.config.PublishTimeout.String())
			return
		}
		if err := token.Error(); err != nil {
			t.hooks.OnLog(supervisor.LogError, "mqtt: publish to "+topic+" failed: "+err.Error())
			return
		}
		t.hooks.OnPublish(topic)
	}()
	return nil
}

// Disconnect closes the session and reports a clean disconnect.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(DisconnectQuiesce)
	t.hooks.OnDisconnect(supervisor.DisconnectClean)
	return nil
}

// Close stops message delivery and drops any session. Queued messages that
// have not reached the worker are discarded with a warning each.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		client.Disconnect(0)
	}
	t.stopOnce.Do(func() { close(t.stop) })
	t.discardQueued()
	return nil
}

func (t *Transport) current() paho.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// enqueue runs on Paho's router goroutine.
func (t *Transport) enqueue(_ paho.Client, m paho.Message) {
	msg := supervisor.Message{
		Topic:     m.Topic(),
		Payload:   m.Payload(),
		QoS:       types.QoS(m.Qos()),
		Retained:  m.Retained(),
		Duplicate: m.Duplicate(),
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
	default:
	}
}

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

// discardQueued logs and drops every message still in the inbox. The
// broker has already completed delivery for them and will not resend.
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
	t.hooks.OnLog(supervisor.LogWarning, fmt.Sprintf("mqtt: transport closed, discarding queued message on %s: %q", msg.Topic, msg.Payload))
}

func (t *Transport) connectionLost(c paho.Client, err error) {
	t.mu.Lock()
	if t.pending == c {
		t.pending = nil
		t.mu.Unlock()
		msg := "mqtt: connection lost before CONNACK was processed"
		if err != nil {
			msg += ": " + err.Error()
		}
		t.hooks.OnLog(supervisor.LogWarning, msg)
		return
	}
	if t.client != c {
		t.mu.Unlock()
		return
	}
	t.client = nil
	t.mu.Unlock()

	if err != nil {
		t.hooks.OnLog(supervisor.LogWarning, "mqtt: connection lost: "+err.Error())
	}
	t.hooks.OnDisconnect(supervisor.DisconnectUnexpected)
}

func returnCode(token paho.Token) byte {
	if ct, ok := token.(interface{ ReturnCode() byte }); ok {
		return ct.ReturnCode()
	}
	return 0
}

// logBridge adapts a Paho logger level to supervisor hooks.
type logBridge struct {
	hooks supervisor.Hooks
	level supervisor.LogLevel
}

func (b logBridge) Println(v ...any) {
	b.hooks.OnLog(b.level, strings.TrimSpace(fmt.Sprintln(v...)))
}

func (b logBridge) Printf(format string, v ...any) {
	b.hooks.OnLog(b.level, fmt.Sprintf(format, v...))
}

var _ supervisor.Transport = (*Transport)(nil)
