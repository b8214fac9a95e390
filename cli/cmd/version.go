package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/q4d/cli/render"
	"github.com/pithecene-io/q4d/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	Commit          string `json:"commit"`
}

// VersionCommand returns the version command.
// It must not contact the bus.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		return r.Render(VersionResponse{
			Version:         types.Version,
			ProtocolVersion: types.ProtocolVersion,
			Commit:          commit,
		})
	}
}
