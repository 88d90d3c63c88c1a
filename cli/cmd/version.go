package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/cli/render"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	Protocol     string `json:"protocol"`
	ClientMajor  uint16 `json:"client_major"`
	HostRevision int    `json:"host_revision"`
}

// VersionCommand returns the version command. It must not contact the
// listener.
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

		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", 1)
		}

		return r.Render(VersionResponse{
			Version:      types.Version,
			Commit:       commit,
			Protocol:     ipc.HeaderTag,
			ClientMajor:  types.ClientMajor,
			HostRevision: types.HostRevision,
		})
	}
}
