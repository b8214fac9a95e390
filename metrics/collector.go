// Package metrics provides process-lifetime counters for the q4d agent.
//
// The Collector is a leaf package with no internal dependencies. It is
// shared by the supervisor, the dispatcher and the transfer executor and
// is snapshotted at shutdown.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// Bus session
	ConnectAttempts int64 `json:"connect_attempts"`
	ConnectFailures int64 `json:"connect_failures"`
	Connects        int64 `json:"connects"`
	Disconnects     int64 `json:"disconnects"`

	// Messages
	MessagesReceived  int64 `json:"messages_received"`
	MessagesMalformed int64 `json:"messages_malformed"`

	// Transfers
	TransfersSucceeded int64 `json:"transfers_succeeded"`
	TransfersFailed    int64 `json:"transfers_failed"`
	FallbacksUsed      int64 `json:"fallbacks_used"`

	// Acknowledgments
	AcksPublished int64 `json:"acks_published"`
	AcksDropped   int64 `json:"acks_dropped"`

	// Transport is informational, set at construction.
	Transport string `json:"transport"`
}

// Collector accumulates counters for the lifetime of the process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	connectAttempts int64
	connectFailures int64
	connects        int64
	disconnects     int64

	messagesReceived  int64
	messagesMalformed int64

	transfersSucceeded int64
	transfersFailed    int64
	fallbacksUsed      int64

	acksPublished int64
	acksDropped   int64

	transport string
}

// NewCollector creates a Collector labelled with the bus transport name.
func NewCollector(transport string) *Collector {
	return &Collector{transport: transport}
}

func (c *Collector) inc(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// --- Bus session ---

// IncConnectAttempt records a connect attempt.
func (c *Collector) IncConnectAttempt() {
	if c == nil {
		return
	}
	c.inc(&c.connectAttempts)
}

// IncConnectFailure records a failed or refused connect attempt.
func (c *Collector) IncConnectFailure() {
	if c == nil {
		return
	}
	c.inc(&c.connectFailures)
}

// IncConnect records an accepted connection.
func (c *Collector) IncConnect() {
	if c == nil {
		return
	}
	c.inc(&c.connects)
}

// IncDisconnect records a disconnection, clean or not.
func (c *Collector) IncDisconnect() {
	if c == nil {
		return
	}
	c.inc(&c.disconnects)
}

// --- Messages ---

// IncMessageReceived records an inbound message.
func (c *Collector) IncMessageReceived() {
	if c == nil {
		return
	}
	c.inc(&c.messagesReceived)
}

// IncMessageMalformed records a discarded inbound message.
func (c *Collector) IncMessageMalformed() {
	if c == nil {
		return
	}
	c.inc(&c.messagesMalformed)
}

// --- Transfers ---

// IncTransferSucceeded records a successful transfer.
func (c *Collector) IncTransferSucceeded() {
	if c == nil {
		return
	}
	c.inc(&c.transfersSucceeded)
}

// IncTransferFailed records a failed transfer.
func (c *Collector) IncTransferFailed() {
	if c == nil {
		return
	}
	c.inc(&c.transfersFailed)
}

// IncFallbackUsed records a single-file fallback invocation.
func (c *Collector) IncFallbackUsed() {
	if c == nil {
		return
	}
	c.inc(&c.fallbacksUsed)
}

// --- Acknowledgments ---

// IncAckPublished records an acknowledgment handed to the bus.
func (c *Collector) IncAckPublished() {
	if c == nil {
		return
	}
	c.inc(&c.acksPublished)
}

// IncAckDropped records an acknowledgment that could not be published.
func (c *Collector) IncAckDropped() {
	if c == nil {
		return
	}
	c.inc(&c.acksDropped)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		ConnectAttempts: c.connectAttempts,
		ConnectFailures: c.connectFailures,
		Connects:        c.connects,
		Disconnects:     c.disconnects,

		MessagesReceived:  c.messagesReceived,
		MessagesMalformed: c.messagesMalformed,

		TransfersSucceeded: c.transfersSucceeded,
		TransfersFailed:    c.transfersFailed,
		FallbacksUsed:      c.fallbacksUsed,

		AcksPublished: c.acksPublished,
		AcksDropped:   c.acksDropped,

		Transport: c.transport,
	}
}

// Fields renders the snapshot as log fields.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"connect_attempts":    s.ConnectAttempts,
		"connect_failures":    s.ConnectFailures,
		"connects":            s.Connects,
		"disconnects":         s.Disconnects,
		"messages_received":   s.MessagesReceived,
		"messages_malformed":  s.MessagesMalformed,
		"transfers_succeeded": s.TransfersSucceeded,
		"transfers_failed":    s.TransfersFailed,
		"fallbacks_used":      s.FallbacksUsed,
		"acks_published":      s.AcksPublished,
		"acks_dropped":        s.AcksDropped,
		"transport":           s.Transport,
	}
}
