package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/pithecene-io/mrci/cli/render"
	"github.com/pithecene-io/mrci/cli/tui"
	"github.com/pithecene-io/mrci/server"
)

// StatusSummary is the table form of the listener header.
type StatusSummary struct {
	PID      int       `json:"pid"`
	Version  string    `json:"version"`
	Address  string    `json:"address"`
	Hosting  string    `json:"hosting"`
	Started  time.Time `json:"started"`
	Sessions int       `json:"sessions"`
	Modules  string    `json:"modules"`
}

// StatusCommand reports the running listener.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the running listener's sessions and counters",
		Flags:  HostFlags(ReadOnlyFlags()...),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	sock := cfg.ControlSocket()

	st, err := server.Query(c.Context, sock, server.OpStatus)
	if err != nil {
		return cli.Exit(fmt.Sprintf("mrci is not running: %v", err), 1)
	}

	if c.Bool("tui") {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(c.App.Writer, tui.RenderStatusStatic(st))
			return nil
		}
		return r.RenderTUI(tui.ViewStatus, tui.StatusFeed{
			Status: st,
			Refresh: func() (*server.Status, error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Query(ctx, sock, server.OpStatus)
			},
		})
	}

	if r.Format() != render.FormatTable {
		return r.Render(st)
	}
	if err := r.Render(summarize(st)); err != nil {
		return err
	}
	r.Heading("sessions")
	if err := r.Render(st.Sessions); err != nil {
		return err
	}
	r.Heading("counters")
	return r.Render(st.Metrics)
}

func summarize(st *server.Status) StatusSummary {
	return StatusSummary{
		PID:      st.PID,
		Version:  st.Version,
		Address:  st.Address,
		Hosting:  st.Hosting,
		Started:  st.Started,
		Sessions: len(st.Sessions),
		Modules:  strings.Join(st.Modules, ","),
	}
}
