package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/q4d/types"
)

// ConnectOptions are passed to every connect attempt.
type ConnectOptions struct {
	Host string
	Port int
	// Keepalive bounds how long the broker waits before declaring a
	// silent client dead.
	Keepalive time.Duration
}

// Message is an inbound bus message.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       types.QoS
	Retained  bool
	Duplicate bool
}

// LogLevel is the severity of a transport diagnostic.
type LogLevel int

// Transport diagnostic levels, most verbose first.
const (
	LogDebug LogLevel = iota
	LogInfo
	LogNotice
	LogWarning
	LogError
)

// Hooks receives transport events. The Supervisor implements Hooks; only
// transports call these methods.
//
// Transports must deliver OnMessage calls one at a time, in arrival order.
type Hooks interface {
	// OnConnect reports a connect acknowledgment. 0 means accepted; any
	// other value is a refusal reason (see ConnectReason).
	OnConnect(code byte)
	// OnDisconnect reports a lost or closed session. 0 means a clean,
	// client-initiated disconnect (see DisconnectReason).
	OnDisconnect(code byte)
	// OnMessage delivers an inbound message.
	OnMessage(msg Message)
	// OnSubscribe reports a subscription acknowledgment with the granted
	// delivery guarantee.
	OnSubscribe(topic string, granted types.QoS)
	// OnPublish reports that a publish completed.
	OnPublish(topic string)
	// OnLog forwards transport diagnostics.
	OnLog(level LogLevel, text string)
}

// Transport is the bus client the Supervisor drives. Transports own their
// network goroutines.
type Transport interface {
	// Bind registers the hooks. Called once, before any other method.
	Bind(hooks Hooks)
	// Connect attempts a session. It returns nil once the transport has
	// reported the acknowledgment through OnConnect, or an error when the
	// attempt failed. A broker refusal is reported through OnConnect and
	// returned as *ConnectRefusedError.
	Connect(ctx context.Context, opts ConnectOptions) error
	// Subscribe requests delivery of topic.
	Subscribe(topic string, qos types.QoS) error
	// Publish sends payload to topic. It must not block waiting for a
	// connection.
	Publish(topic string, payload []byte, qos types.QoS) error
	// Disconnect cleanly closes the session and reports OnDisconnect(0).
	Disconnect() error
	// Close stops the transport's network processing and releases
	// resources.
	Close() error
}

// ConnectRefusedError is returned by Transport.Connect when the broker
// answered with a nonzero connect code.
type ConnectRefusedError struct {
	Code byte
}

func (e *ConnectRefusedError) Error() string {
	return fmt.Sprintf("broker refused connection: %s (code %d)", ConnectReason(e.Code), e.Code)
}
