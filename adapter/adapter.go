// Package adapter defines the acknowledgment mirror boundary.
//
// Adapters forward transfer acknowledgments to systems that do not sit on
// the bus. The dispatcher owns adapter lifecycle; users provide
// configuration only.
package adapter

import (
	"context"

	"go.uber.org/multierr"
)

// EventTypeAck is the only event type adapters publish.
const EventTypeAck = "transfer_acknowledged"

// AckNotification is the payload published for every acknowledgment.
type AckNotification struct {
	Version     string `json:"version"`
	EventType   string `json:"event_type"` // always "transfer_acknowledged"
	ContentHash string `json:"content_hash"`
	Outcome     string `json:"outcome"` // DONE or NOPE
	Target      string `json:"target"`
	TypeCode    string `json:"type_code"`
	Timestamp   string `json:"timestamp"` // RFC 3339
	DurationMs  int64  `json:"duration_ms"`
	// BusDelivered is false when the bus acknowledgment was dropped.
	BusDelivered bool `json:"bus_delivered"`
}

// Adapter publishes acknowledgments to a downstream system.
type Adapter interface {
	// Publish sends one acknowledgment.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *AckNotification) error

	// Close releases adapter resources.
	Close() error
}

// Fanout publishes every acknowledgment to each adapter in order. All
// adapters are tried; their errors are combined.
type Fanout []Adapter

// Publish implements Adapter.
func (f Fanout) Publish(ctx context.Context, event *AckNotification) error {
	var errs error
	for _, a := range f {
		errs = multierr.Append(errs, a.Publish(ctx, event))
	}
	return errs
}

// Close implements Adapter.
func (f Fanout) Close() error {
	var errs error
	for _, a := range f {
		errs = multierr.Append(errs, a.Close())
	}
	return errs
}
