package frontend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pithecene-io/mrci/backend"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/runtime"
	"github.com/pithecene-io/mrci/types"
)

// LaunchSpec tells a launcher where a new back end finds its session.
type LaunchSpec struct {
	SessionID types.SessionID
	StatePath string
	Socket    string
}

// Backend is a running back end.
type Backend interface {
	// Done is closed when the back end has exited.
	Done() <-chan struct{}
	// Err reports why the back end exited. Valid after Done is closed;
	// nil means a clean exit.
	Err() error
	// Kill stops the back end. Repeated calls are no-ops.
	Kill() error
}

// Launcher starts back ends. The front end never cares whether a back end
// is a process or a goroutine.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Backend, error)
}

// exitState is the Done/Err half shared by both back end kinds.
type exitState struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (s *exitState) Done() <-chan struct{} { return s.done }
func (s *exitState) Err() error { return s.err }

func (s *exitState) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// ProcessLauncher runs each back end as "<binary> executor ..." so a back
// end crash cannot take the listener down.
type ProcessLauncher struct {
	// Binary is the host executable. Empty uses os.Executable.
	Binary     string
	DBPath     string
	ModulesDir string
	LogLevel   string
	KeepAlive  time.Duration
	Logger     *log.Logger
}

// Args returns the command line for a back end.
func (l *ProcessLauncher) Args(spec LaunchSpec) []string {
	args := []string{"executor", "--state", spec.StatePath, "--socket", spec.Socket}
	if l.DBPath != "" {
		args = append(args, "--db", l.DBPath)
	}
	if l.ModulesDir != "" {
		args = append(args, "--modules", l.ModulesDir)
	}
	if l.LogLevel != "" {
		args = append(args, "--log-level", l.LogLevel)
	}
	if l.KeepAlive > 0 {
		args = append(args, "--keep-alive", l.KeepAlive.String())
	}
	return args
}

// Launch starts the back end process. The process is killed when ctx ends.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Backend, error) {
	bin := l.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate host binary: %w", err)
		}
		bin = exe
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.Named("backend").With(map[string]any{"session_id": spec.SessionID.String()})

	m := runtime.NewExecutorManager(&runtime.ExecutorConfig{
		Path: bin,
		Args: l.Args(spec),
		OnStderr: func(line string) {
			logger.Info("back end output", map[string]any{"line": line})
		},
	})
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	p := &processBackend{exitState: exitState{done: make(chan struct{})}, m: m}
	go p.wait()
	return p, nil
}

type processBackend struct {
	exitState
	m *runtime.ExecutorManager
}

func (p *processBackend) wait() {
	res, err := p.m.Wait()
	if err != nil {
		p.finish(err)
		return
	}
	if res.Signaled || res.ExitCode != runtime.ExitCodeClean {
		p.finish(errors.New(runtime.DescribeExit(res)))
		return
	}
	p.finish(nil)
}

func (p *processBackend) Kill() error { return p.m.Kill() }

// RunFunc is the back end entry point used by InProcLauncher.
type RunFunc func(ctx context.Context, opts backend.Options) error

// InProcLauncher runs each back end in a goroutine of the listener.
// Options is the template for every back end; the state path and socket
// are filled in per launch. A panicking back end exits with an error.
type InProcLauncher struct {
	Options backend.Options
	// Run overrides backend.Run.
	Run RunFunc
}

// Launch starts the back end goroutine.
func (l *InProcLauncher) Launch(ctx context.Context, spec LaunchSpec) (Backend, error) {
	run := l.Run
	if run == nil {
		run = backend.Run
	}
	opts := l.Options
	opts.StatePath = spec.StatePath
	opts.Socket = spec.Socket

	ctx, cancel := context.WithCancel(ctx)
	g := &goroutineBackend{exitState: exitState{done: make(chan struct{})}, cancel: cancel}
	go func() {
		defer cancel()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("back end panic: %v", r)
			}
			g.finish(err)
		}()
		err = run(ctx, opts)
	}()
	return g, nil
}

type goroutineBackend struct {
	exitState
	cancel context.CancelFunc
}

func (g *goroutineBackend) Kill() error {
	g.cancel()
	return nil
}
