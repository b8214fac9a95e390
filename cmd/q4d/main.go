// Package main provides the q4d CLI entrypoint.
//
// Usage:
//
//	q4d <command> [options]
//
// Exit codes:
//   - 0: clean shutdown
//   - 1: runtime failure
//   - 2: configuration or startup error
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/q4d/cli/cmd"
	"github.com/pithecene-io/q4d/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

// exit is replaced in tests.
var exit = os.Exit

func main() {
	app := &cli.App{
		Name:           "q4d",
		Usage:          "Fetch files from a remote host when asked over the message bus",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.ConfigCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var stderr io.Writer = os.Stderr
	if c != nil && c.App != nil && c.App.ErrWriter != nil {
		stderr = c.App.ErrWriter
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(stderr, msg)
		}
		exit(code)
		return
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	exit(1)
}
