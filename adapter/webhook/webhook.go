// Package webhook mirrors acknowledgments to an HTTP endpoint.
//
// Each acknowledgment is POSTed as JSON. Server errors and network
// failures are retried under the adapter.Retry policy; client errors are
// not.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pithecene-io/q4d/adapter"
	"github.com/pithecene-io/q4d/iox"
	"github.com/pithecene-io/q4d/types"
)

// DefaultTimeout bounds one POST.
const DefaultTimeout = 10 * time.Second

// Header names set on every request.
const (
	HeaderEvent   = "X-Q4D-Event"
	HeaderHash    = "X-Q4D-Hash"
	HeaderOutcome = "X-Q4D-Outcome"
)

// Config configures the webhook mirror.
type Config struct {
	// URL receives the POSTs (required).
	URL string
	// Headers are added to every request, after the built-in ones.
	Headers map[string]string
	// Timeout bounds one request (default 10s).
	Timeout time.Duration
	Retry   adapter.Retry
}

// Adapter posts acknowledgments to Config.URL.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a webhook mirror.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook mirror requires a URL")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	return &Adapter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Publish POSTs one acknowledgment.
func (a *Adapter) Publish(ctx context.Context, event *adapter.AckNotification) error {
	if event == nil {
		return errors.New("webhook: nil event")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	err = a.config.Retry.Do(ctx, func(ctx context.Context) error {
		err := a.post(ctx, event, body)
		var status *StatusError
		if errors.As(err, &status) && !status.Retriable() {
			return adapter.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("webhook: %s for %s: %w", event.Outcome, event.ContentHash, err)
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retriable reports whether the receiver might accept the same request
// later. 4xx means it never will.
func (e *StatusError) Retriable() bool {
	return e.Code < 400 || e.Code >= 500
}

func (a *Adapter) post(ctx context.Context, event *adapter.AckNotification, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "q4d/"+types.Version)
	req.Header.Set(HeaderEvent, event.EventType)
	req.Header.Set(HeaderHash, event.ContentHash)
	req.Header.Set(HeaderOutcome, event.Outcome)
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close drops idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
