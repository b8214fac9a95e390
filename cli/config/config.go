package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultPath            = "~/.Q4D"
	DefaultTypeMappingFile = "type_mapping.json"
	DefaultTransport       = "mqtt"
	DefaultTool            = "lftp"
	DefaultChmodMode       = "0666"
	DefaultKeepalive       = 60 * time.Second
	DefaultInitialBackoff  = 5 * time.Second
	DefaultMaxBackoff      = 60 * time.Second
	DefaultPollInterval    = 1 * time.Second
	DefaultWebhookTimeout  = 10 * time.Second
	DefaultWebhookRetries  = 3
	DefaultMirrorChannel   = "q4d:acks"
	DefaultMirrorTimeout   = 5 * time.Second
	DefaultMirrorRetries   = 3
)

// Supported bus transports.
const (
	TransportMQTT  = "mqtt"
	TransportRedis = "redis"
)

const redactedValue = "***"

// Config is the agent configuration. Values come from the YAML file and
// are then overridden by Q4D_* environment variables.
type Config struct {
	Path        string         `yaml:"path" json:"path" env:"Q4D_PATH"`
	TypeMapping string         `yaml:"type_mapping" json:"type_mapping" env:"Q4D_TYPE_MAPPING"`
	Labelling   *Switch        `yaml:"labelling" json:"labelling" env:"Q4D_LABELLING"`
	Bus         BusConfig      `yaml:"bus" json:"bus"`
	Transfer    TransferConfig `yaml:"transfer" json:"transfer"`
	Webhook     WebhookConfig  `yaml:"webhook" json:"webhook"`
	RedisMirror RedisMirror    `yaml:"redis_mirror" json:"redis_mirror"`
}

// BusConfig holds the message bus connection settings.
type BusConfig struct {
	Transport      string   `yaml:"transport" json:"transport" env:"Q4D_BUS_TRANSPORT"`
	Host           string   `yaml:"host" json:"host" env:"Q4D_BUS_HOST"`
	Port           int      `yaml:"port" json:"port" env:"Q4D_BUS_PORT"`
	User           string   `yaml:"user" json:"user" env:"Q4D_USER"`
	Password       string   `yaml:"password" json:"password" env:"Q4D_PW"`
	ClientID       string   `yaml:"client_id" json:"client_id,omitempty" env:"Q4D_CLIENT_ID"`
	Keepalive      Duration `yaml:"keepalive" json:"keepalive" env:"Q4D_KEEPALIVE"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff" env:"Q4D_INITIAL_BACKOFF"`
	MaxBackoff     Duration `yaml:"max_backoff" json:"max_backoff" env:"Q4D_MAX_BACKOFF"`
	PollInterval   Duration `yaml:"poll_interval" json:"poll_interval" env:"Q4D_POLL_INTERVAL"`
}

// TransferConfig holds the remote host and transfer tool settings.
type TransferConfig struct {
	Host      string `yaml:"host" json:"host" env:"Q4D_HOST"`
	Creds     string `yaml:"creds" json:"creds" env:"Q4D_CREDS"`
	Threads   int    `yaml:"threads" json:"threads" env:"Q4D_THREADS"`
	Segments  int    `yaml:"segments" json:"segments" env:"Q4D_SEGMENTS"`
	Tool      string `yaml:"tool" json:"tool" env:"Q4D_TOOL"`
	ChmodMode string `yaml:"chmod_mode" json:"chmod_mode" env:"Q4D_CHMOD_MODE"`
}

// WebhookConfig configures the optional acknowledgment mirror.
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url,omitempty" env:"Q4D_WEBHOOK_URL"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty" env:"Q4D_WEBHOOK_HEADERS"`
	Timeout Duration          `yaml:"timeout" json:"timeout" env:"Q4D_WEBHOOK_TIMEOUT"`
	Retries *int              `yaml:"retries" json:"retries,omitempty" env:"Q4D_WEBHOOK_RETRIES"`
}

// RedisMirror configures the optional Redis acknowledgment mirror.
type RedisMirror struct {
	URL     string   `yaml:"url" json:"url,omitempty" env:"Q4D_REDIS_MIRROR_URL"`
	Channel string   `yaml:"channel" json:"channel,omitempty" env:"Q4D_REDIS_MIRROR_CHANNEL"`
	Timeout Duration `yaml:"timeout" json:"timeout" env:"Q4D_REDIS_MIRROR_TIMEOUT"`
	Retries *int     `yaml:"retries" json:"retries,omitempty" env:"Q4D_REDIS_MIRROR_RETRIES"`
}

// Duration wraps time.Duration for YAML and environment parsing
// (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration string. Empty input leaves d unchanged.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Switch is a boolean that also accepts yes/no and on/off.
type Switch bool

// UnmarshalText parses 1/true/yes/on and 0/false/no/off, case-insensitively.
func (s *Switch) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "1", "true", "yes", "on":
		*s = true
	case "0", "false", "no", "off":
		*s = false
	default:
		return fmt.Errorf("invalid boolean %q (use true/false, yes/no, on/off or 1/0)", text)
	}
	return nil
}

// UnmarshalYAML accepts both YAML booleans and the textual forms above.
func (s *Switch) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(raw))
}

// ApplyDefaults fills unset optional values.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Bus.Transport == "" {
		c.Bus.Transport = DefaultTransport
	}
	setDuration(&c.Bus.Keepalive, DefaultKeepalive)
	setDuration(&c.Bus.InitialBackoff, DefaultInitialBackoff)
	setDuration(&c.Bus.MaxBackoff, DefaultMaxBackoff)
	setDuration(&c.Bus.PollInterval, DefaultPollInterval)
	if c.Transfer.Tool == "" {
		c.Transfer.Tool = DefaultTool
	}
	if c.Transfer.ChmodMode == "" {
		c.Transfer.ChmodMode = DefaultChmodMode
	}
	setDuration(&c.Webhook.Timeout, DefaultWebhookTimeout)
	if c.Webhook.Retries == nil {
		retries := DefaultWebhookRetries
		c.Webhook.Retries = &retries
	}
	if c.RedisMirror.Channel == "" {
		c.RedisMirror.Channel = DefaultMirrorChannel
	}
	setDuration(&c.RedisMirror.Timeout, DefaultMirrorTimeout)
	if c.RedisMirror.Retries == nil {
		retries := DefaultMirrorRetries
		c.RedisMirror.Retries = &retries
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

// LabellingEnabled reports whether acknowledgments are published.
func (c *Config) LabellingEnabled() bool {
	return c.Labelling != nil && bool(*c.Labelling)
}

// WorkDir returns the working directory with "~" expanded.
func (c *Config) WorkDir() (string, error) {
	return expandHome(c.Path)
}

// TypeMappingPath returns the type mapping file, defaulting to
// {path}/type_mapping.json.
func (c *Config) TypeMappingPath() (string, error) {
	if c.TypeMapping != "" {
		return expandHome(c.TypeMapping)
	}
	dir, err := c.WorkDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultTypeMappingFile), nil
}

// FileMode parses ChmodMode as an octal permission mode.
func (c *Config) FileMode() (os.FileMode, error) {
	return parseMode(c.Transfer.ChmodMode)
}

func parseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid chmod_mode %q: must be octal, e.g. 0666", s)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("invalid chmod_mode %q: only permission bits are allowed", s)
	}
	return os.FileMode(v), nil
}

// Redacted returns a copy safe for display, with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Bus.Password != "" {
		out.Bus.Password = redactedValue
	}
	if user, _, ok := strings.Cut(out.Transfer.Creds, ":"); ok {
		out.Transfer.Creds = user + ":" + redactedValue
	}
	if len(c.Webhook.Headers) > 0 {
		out.Webhook.Headers = make(map[string]string, len(c.Webhook.Headers))
		for k := range c.Webhook.Headers {
			out.Webhook.Headers[k] = redactedValue
		}
	}
	out.RedisMirror.URL = redactURL(out.RedisMirror.URL)
	return out
}

// redactURL masks the password in a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), redactedValue)
	return u.String()
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
