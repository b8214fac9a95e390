package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"go.uber.org/multierr"
)

// Validate checks every setting and reports all problems together. It
// also creates the working directory when it does not exist yet.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Labelling == nil {
		add("labelling is required (Q4D_LABELLING)")
	}

	switch c.Bus.Transport {
	case TransportMQTT, TransportRedis:
	default:
		add("bus.transport must be %q or %q, got %q", TransportMQTT, TransportRedis, c.Bus.Transport)
	}
	if c.Bus.Host == "" {
		add("bus.host is required (Q4D_BUS_HOST)")
	}
	if c.Bus.Port < 1 || c.Bus.Port > 65535 {
		add("bus.port must be between 1 and 65535, got %d (Q4D_BUS_PORT)", c.Bus.Port)
	}
	if c.Bus.User == "" {
		add("bus.user is required (Q4D_USER)")
	}
	if c.Bus.Password == "" {
		add("bus.password is required (Q4D_PW)")
	}
	if c.Bus.Keepalive.Duration < 0 {
		add("bus.keepalive must not be negative")
	}
	if c.Bus.InitialBackoff.Duration <= 0 {
		add("bus.initial_backoff must be positive")
	}
	if c.Bus.MaxBackoff.Duration < c.Bus.InitialBackoff.Duration {
		add("bus.max_backoff (%s) must not be less than bus.initial_backoff (%s)",
			c.Bus.MaxBackoff.Duration, c.Bus.InitialBackoff.Duration)
	}
	if c.Bus.PollInterval.Duration <= 0 {
		add("bus.poll_interval must be positive")
	}

	if c.Transfer.Host == "" {
		add("transfer.host is required (Q4D_HOST)")
	}
	if c.Transfer.Creds == "" {
		add("transfer.creds is required (Q4D_CREDS)")
	}
	if c.Transfer.Threads < 1 {
		add("transfer.threads must be at least 1, got %d (Q4D_THREADS)", c.Transfer.Threads)
	}
	if c.Transfer.Segments < 1 {
		add("transfer.segments must be at least 1, got %d (Q4D_SEGMENTS)", c.Transfer.Segments)
	}
	if _, err := c.FileMode(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.Webhook.URL != "" {
		if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("webhook.url must be an http(s) URL, got %q", c.Webhook.URL)
		}
	}
	if c.Webhook.Retries != nil && *c.Webhook.Retries < 0 {
		add("webhook.retries must be >= 0, got %d", *c.Webhook.Retries)
	}

	if c.RedisMirror.URL != "" {
		if u, err := url.Parse(c.RedisMirror.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") || u.Host == "" {
			add("redis_mirror.url must be a redis:// or rediss:// URL")
		}
	}
	if c.RedisMirror.Retries != nil && *c.RedisMirror.Retries < 0 {
		add("redis_mirror.retries must be >= 0, got %d", *c.RedisMirror.Retries)
	}

	if err := c.ensureWorkDir(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (c *Config) ensureWorkDir() error {
	dir, err := c.WorkDir()
	if err != nil {
		return err
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("path %s is not a directory", dir)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("cannot access path %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create path %s: %w", dir, err)
	}
	return nil
}

// Problems splits a Validate error into its individual messages.
func Problems(err error) []string {
	var out []string
	for _, e := range multierr.Errors(err) {
		out = append(out, e.Error())
	}
	return out
}
