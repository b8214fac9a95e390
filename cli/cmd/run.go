package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/q4d/cli/config"
	"github.com/pithecene-io/q4d/iox"
	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/types"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitRuntime     = 1
	exitConfigError = 2
)

// DefaultConfigFile is looked up under the working path when --config is
// not given.
const DefaultConfigFile = "q4d.yaml"

// RunCommand returns the run command, which starts the agent.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Subscribe to the bus and fetch requested files until interrupted",
		Flags: append(ConfigFlags(),
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				EnvVars: []string{"Q4D_DEBUG"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: json or console (default console on a terminal, json otherwise)",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Bus transport override: mqtt or redis",
			},
		),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	format := c.String("log-format")
	if format == "" && isStderrTTY() {
		format = log.FormatConsole
	}
	format, err := log.ParseFormat(format)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	logger := log.New(log.Options{
		Debug:     c.Bool("debug"),
		Format:    format,
		Output:    c.App.ErrWriter,
		Component: "q4d",
	})
	defer iox.DiscardErr(logger.Sync)

	cfg, err := loadConfig(c, logger)
	if err != nil {
		return err
	}
	if c.IsSet("transport") {
		cfg.Bus.Transport = c.String("transport")
	}
	if err := cfg.Validate(); err != nil {
		return configExit(err)
	}

	logger.Info("starting q4d", map[string]any{
		"version":   types.Version,
		"transport": cfg.Bus.Transport,
		"labelling": cfg.LabellingEnabled(),
	})
	if logger.Enabled() {
		logger.Debug("effective configuration", map[string]any{"config": cfg.Redacted()})
	}

	a, err := newAgent(cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("startup failed: %v", err), exitConfigError)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("agent failed: %v", err), exitRuntime)
	}
	return nil
}

// loadConfig resolves and loads the config file, then applies flag
// overrides. Without --config, a missing default file falls back to the
// environment alone.
func loadConfig(c *cli.Context, logger *log.Logger) (*config.Config, error) {
	path := c.String("config")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, config.ErrNotFound):
		logger.Warn("no config file found, using environment only", map[string]any{"path": path})
		if cfg, err = config.Load(""); err != nil {
			return nil, cli.Exit(err.Error(), exitConfigError)
		}
	default:
		return nil, cli.Exit(err.Error(), exitConfigError)
	}

	if mapping := c.String("type-mapping"); mapping != "" {
		cfg.TypeMapping = mapping
	}
	return cfg, nil
}

// defaultConfigPath is {path}/q4d.yaml, where path honours Q4D_PATH.
func defaultConfigPath() string {
	dir := os.Getenv("Q4D_PATH")
	if dir == "" {
		dir = config.DefaultPath
	}
	expanded, err := (&config.Config{Path: dir}).WorkDir()
	if err != nil {
		return DefaultConfigFile
	}
	return filepath.Join(expanded, DefaultConfigFile)
}

func configExit(err error) error {
	var b strings.Builder
	b.WriteString("invalid configuration:")
	for _, p := range config.Problems(err) {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return cli.Exit(b.String(), exitConfigError)
}
