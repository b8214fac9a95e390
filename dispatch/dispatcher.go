// Package dispatch turns inbound request payloads into transfers and
// acknowledgments.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pithecene-io/q4d/adapter"
	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/metrics"
	"github.com/pithecene-io/q4d/types"
)

// ErrMalformed is returned by ParseRequest for payloads that are not a
// valid request.
var ErrMalformed = errors.New("malformed request")

// DefaultMirrorTimeout bounds a single acknowledgment mirror publish.
const DefaultMirrorTimeout = 30 * time.Second

// Transferer fetches a request's target.
type Transferer interface {
	Transfer(ctx context.Context, req types.TransferRequest) bool
}

// Publisher sends a payload on the bus.
type Publisher interface {
	Publish(topic string, payload []byte, qos types.QoS) error
}

// ParseRequest decodes a "{target}\t{hash}\t{typecode}" payload. Fields
// beyond the third are ignored. The target must not be empty.
func ParseRequest(payload []byte) (types.TransferRequest, error) {
	if !utf8.Valid(payload) {
		return types.TransferRequest{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformed)
	}
	fields := strings.Split(string(payload), types.FieldSeparator)
	if len(fields) < 3 {
		return types.TransferRequest{}, fmt.Errorf("%w: expected 3 tab-separated fields, got %d", ErrMalformed, len(fields))
	}
	if fields[0] == "" {
		return types.TransferRequest{}, fmt.Errorf("%w: empty target", ErrMalformed)
	}
	return types.TransferRequest{
		Target:      fields[0],
		ContentHash: fields[1],
		TypeCode:    fields[2],
	}, nil
}

// Config configures a Dispatcher.
type Config struct {
	// Labelling enables acknowledgments on the Label topic.
	Labelling bool
	// Mirror optionally receives a copy of every acknowledgment.
	Mirror adapter.Adapter
	// MirrorTimeout bounds one mirror publish (default 30s).
	MirrorTimeout time.Duration
	Collector     *metrics.Collector
	// Now is the clock used for durations. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher handles one request at a time: parse, transfer, acknowledge.
type Dispatcher struct {
	config    Config
	transfer  Transferer
	publisher Publisher
	logger    *log.Logger
}

// New creates a Dispatcher.
func New(cfg Config, transfer Transferer, publisher Publisher, logger *log.Logger) *Dispatcher {
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = DefaultMirrorTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		config:    cfg,
		transfer:  transfer,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleMessage processes one payload. Failures are logged, never
// returned: a bad request must not disturb the session.
func (d *Dispatcher) HandleMessage(ctx context.Context, payload []byte) {
	req, err := ParseRequest(payload)
	if err != nil {
		d.config.Collector.IncMessageMalformed()
		d.logger.Error("discarding request", map[string]any{
			"error":   err.Error(),
			"payload": string(payload),
		})
		return
	}

	fields := map[string]any{
		"target":    req.Target,
		"hash":      req.ContentHash,
		"type_code": req.TypeCode,
	}
	d.logger.Info("transfer requested", fields)

	start := d.config.Now()
	ok := d.transfer.Transfer(ctx, req)
	elapsed := d.config.Now().Sub(start)

	d.logger.Info("transfer finished", withOutcome(fields, ok, elapsed))

	if !d.config.Labelling || !req.Correlated() {
		return
	}
	d.acknowledge(ctx, req, ok, elapsed)
}

func (d *Dispatcher) acknowledge(ctx context.Context, req types.TransferRequest, ok bool, elapsed time.Duration) {
	ack := types.NewAckEvent(req.ContentHash, ok)

	delivered := true
	if err := d.publisher.Publish(types.TopicLabel, ack.Payload(), types.QoSStrongest); err != nil {
		delivered = false
		d.config.Collector.IncAckDropped()
		d.logger.Warn("acknowledgment dropped", map[string]any{
			"hash":    ack.ContentHash,
			"outcome": ack.Outcome,
			"error":   err.Error(),
		})
	} else {
		d.config.Collector.IncAckPublished()
		d.logger.Info("acknowledgment sent", map[string]any{
			"hash":    ack.ContentHash,
			"outcome": ack.Outcome,
		})
	}

	if d.config.Mirror == nil {
		return
	}
	event := &adapter.AckNotification{
		Version:      types.Version,
		EventType:    adapter.EventTypeAck,
		ContentHash:  ack.ContentHash,
		Outcome:      ack.Outcome,
		Target:       req.Target,
		TypeCode:     req.TypeCode,
		Timestamp:    d.config.Now().UTC().Format(time.RFC3339),
		DurationMs:   elapsed.Milliseconds(),
		BusDelivered: delivered,
	}
	mirrorCtx, cancel := context.WithTimeout(ctx, d.config.MirrorTimeout)
	defer cancel()
	if err := d.config.Mirror.Publish(mirrorCtx, event); err != nil {
		d.logger.Warn("acknowledgment mirror failed", map[string]any{
			"hash":  ack.ContentHash,
			"error": err.Error(),
		})
	}
}

func withOutcome(base map[string]any, ok bool, elapsed time.Duration) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["success"] = ok
	out["duration_ms"] = elapsed.Milliseconds()
	return out
}
