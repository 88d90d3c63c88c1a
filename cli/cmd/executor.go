package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/backend"
	"github.com/pithecene-io/mrci/log"
)

// ExecutorCommand is the back-end entry point. The listener starts one per
// session with the state region and socket it created; it is not meant to
// be run by hand.
//
// Exit codes: 0 session ended, 1 failure, 2 socket unusable, 3 socket
// connect timeout.
func ExecutorCommand() *cli.Command {
	return &cli.Command{
		Name:   "executor",
		Usage:  "Run a session back end (started by the listener)",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "state", Usage: "Session state region", Required: true},
			&cli.StringFlag{Name: "socket", Usage: "Front end unix socket", Required: true},
			&cli.StringFlag{Name: "db", Usage: "Host database"},
			&cli.StringFlag{Name: "modules", Usage: "Module executable directory"},
			&cli.DurationFlag{Name: "keep-alive", Usage: "Keep-alive interval while commands run", Value: backend.DefaultKeepAlive},
			&cli.DurationFlag{Name: "connect-timeout", Usage: "How long to wait for the front end socket", Value: backend.DefaultConnectTimeout},
			LogLevelFlag,
		},
		Action: executorAction,
	}
}

func executorAction(c *cli.Context) error {
	level, err := log.ParseLevel(c.String("log-level"))
	if err != nil {
		return cli.Exit(err.Error(), backend.ExitFailure)
	}
	logger := log.NewLogger("backend", level)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err = backend.Run(ctx, backend.Options{
		StatePath:      c.String("state"),
		Socket:         c.String("socket"),
		DBPath:         c.String("db"),
		ModulesDir:     c.String("modules"),
		ConnectTimeout: c.Duration("connect-timeout"),
		KeepAlive:      c.Duration("keep-alive"),
		Logger:         logger,
	})
	if err == nil {
		return nil
	}
	var exitErr *backend.ExitError
	if errors.As(err, &exitErr) {
		return cli.Exit(exitErr.Error(), exitErr.Code)
	}
	return cli.Exit(err.Error(), backend.ExitFailure)
}
