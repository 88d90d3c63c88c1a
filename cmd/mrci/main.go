// Package main provides the mrci CLI entrypoint.
//
// Usage:
//
//	mrci <command> [options]
//
// Exit codes:
//   - 0: success
//   - 1: failure
//   - 2: executor could not open the front end socket
//   - 3: executor timed out connecting to the front end socket
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/cli/cmd"
	"github.com/pithecene-io/mrci/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		// This branch handles unexpected errors that weren't wrapped.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "mrci",
		Usage:          "Multi-tenant remote command host",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.HostCommand(),
			cmd.StartCommand(),
			cmd.StopCommand(),
			cmd.StatusCommand(),
			cmd.ExecutorCommand(),
			cmd.ResetRootCommand(),
			cmd.AddressSetCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from
// cli.Exit(). The executor's socket failures rely on this to reach the
// listener as exit codes 2 and 3.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	// Check for ExitCoder (from cli.Exit), handles wrapped errors
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N", so skip those
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
