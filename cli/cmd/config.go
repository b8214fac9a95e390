package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/q4d/cli/config"
	"github.com/pithecene-io/q4d/cli/render"
	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/typemap"
)

// ConfigResponse is the response for the config command.
type ConfigResponse struct {
	Config      config.Config     `json:"config" yaml:"config"`
	TypeMapping map[string]string `json:"type_mapping" yaml:"type_mapping"`
	Problems    []string          `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// ConfigCommand returns the config command. It renders the effective
// configuration with secrets masked, and exits 2 if it is invalid.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:   "config",
		Usage:  "Validate and show the effective configuration and type mapping",
		Flags:  append(ConfigFlags(), ReadOnlyFlags()...),
		Action: configAction,
	}
}

func configAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	logger := log.New(log.Options{Format: log.FormatConsole, Output: c.App.ErrWriter, Component: "q4d"})
	cfg, err := loadConfig(c, logger)
	if err != nil {
		return err
	}

	resp := ConfigResponse{Config: cfg.Redacted()}
	if err := cfg.Validate(); err != nil {
		resp.Problems = config.Problems(err)
	}

	if path, err := cfg.TypeMappingPath(); err != nil {
		resp.Problems = append(resp.Problems, err.Error())
	} else if m, err := typemap.Load(path, log.Nop()); err != nil {
		resp.Problems = append(resp.Problems, err.Error())
	} else {
		resp.TypeMapping = m.Entries()
	}

	if err := r.Render(resp); err != nil {
		return err
	}
	if len(resp.Problems) > 0 {
		return cli.Exit("", exitConfigError)
	}
	return nil
}
