package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/server"
)

// startPoll is how often start and stop check the control socket.
const startPoll = 100 * time.Millisecond

// HostCommand runs the listener in the foreground.
func HostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "Run the listener in the foreground",
		Flags: HostFlags(
			&cli.StringFlag{
				Name:  "address",
				Usage: "Listen address (a stored address-set value wins)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Listen port (a stored address-set value wins)",
			},
			LogLevelFlag,
		),
		Action: hostAction,
	}
}

func hostAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	logger, err := buildLogger(cfg, "mrci")
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("signal received", map[string]any{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	h, err := buildHost(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to start host: %v", err), 1)
	}
	runErr := h.run(ctx)
	if err := h.close(); err != nil {
		logger.Warn("shutdown incomplete", map[string]any{"error": err.Error()})
	}
	if runErr != nil {
		return cli.Exit(runErr.Error(), 1)
	}
	logger.Info("host stopped", nil)
	return nil
}

// StartCommand launches "mrci host" detached from the terminal and waits for
// its control socket to answer.
func StartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the listener in the background",
		Flags: HostFlags(
			LogLevelFlag,
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Listener log file (default <runtime_dir>/mrci.log)",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for the listener to come up",
				Value: 10 * time.Second,
			},
		),
		Action: startAction,
	}
}

func startAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	sock := cfg.ControlSocket()
	if st, err := server.Query(c.Context, sock, server.OpStatus); err == nil {
		return cli.Exit(fmt.Sprintf("mrci is already running (pid %d)", st.PID), 1)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate mrci binary: %w", err)
	}
	args := []string{"host"}
	if path := c.String("config"); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		args = append(args, "--config", abs)
	}
	if c.IsSet("log-level") {
		args = append(args, "--log-level", c.String("log-level"))
	}

	logPath := c.String("log-file")
	if logPath == "" {
		logPath = filepath.Join(cfg.RuntimeDir(), "mrci.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	deadline := time.After(c.Duration("wait"))
	tick := time.NewTicker(startPoll)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return cli.Exit(fmt.Sprintf("listener exited during startup (%v); see %s", err, logPath), 1)
		case <-deadline:
			return cli.Exit(fmt.Sprintf("listener did not answer within %s; see %s", c.Duration("wait"), logPath), 1)
		case <-tick.C:
			st, err := server.Query(c.Context, sock, server.OpStatus)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.App.Writer, "mrci started (pid %d, listening on %s)\n", st.PID, st.Address)
			return nil
		}
	}
}

// StopCommand asks a running listener to shut down.
func StopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop the running listener",
		Flags: HostFlags(&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for the listener to exit",
			Value: 10 * time.Second,
		}),
		Action: stopAction,
	}
}

func stopAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	sock := cfg.ControlSocket()
	st, err := server.Query(c.Context, sock, server.OpStop)
	if err != nil {
		return cli.Exit(fmt.Sprintf("mrci is not running: %v", err), 1)
	}
	fmt.Fprintf(c.App.Writer, "stopping mrci (pid %d, %d sessions)\n", st.PID, len(st.Sessions))

	deadline := time.Now().Add(c.Duration("wait"))
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(startPoll)
	}
	return cli.Exit(fmt.Sprintf("listener still running after %s", c.Duration("wait")), 1)
}
