// Package cmd provides CLI commands for the q4d binary.
package cmd

import (
	"os"

	"github.com/urfave/cli/v2"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// Flags shared by commands that load the agent configuration.
var (
	// ConfigFlag names the YAML config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML config file (default ~/.Q4D/q4d.yaml if present)",
		EnvVars: []string{"Q4D_CONFIG"},
	}

	// TypeMappingFlag overrides the type mapping file.
	TypeMappingFlag = &cli.StringFlag{
		Name:  "type-mapping",
		Usage: "Path to the type mapping JSON file (default {path}/type_mapping.json)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// ConfigFlags returns the flags for commands that load the configuration.
func ConfigFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		TypeMappingFlag,
	}
}

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
