// Package backend runs the back half of a session: the command executor,
// attached to the session's shared state and connected to its front end over
// a unix socket.
//
// The back end lives in its own process (or goroutine under in-process
// hosting). It speaks session frames with the front end; frames typed
// PRIV_IPC carry control messages, everything else is client traffic for the
// executor.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pithecene-io/mrci/builtin"
	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/executor"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/modproc"
	"github.com/pithecene-io/mrci/runtime"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// Process exit codes of the executor subcommand.
const (
	ExitFailure     = runtime.ExitCodeFailure
	ExitPipeOpen    = runtime.ExitCodePipeOpen
	ExitPipeTimeout = runtime.ExitCodePipeTimeout
)

// Default timing.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

// ExitError carries the process exit code for a back-end failure.
// It satisfies cli.ExitCoder.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }
func (e *ExitError) ExitCode() int { return e.Code }

func fail(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Options configures a back end.
type Options struct {
	// StatePath is the session state region created by the front end.
	StatePath string
	// Socket is the front end's unix socket.
	Socket string
	// DBPath is the persistent store. Empty runs without one.
	DBPath string
	// ModulesDir holds module executables. Empty loads only builtins.
	ModulesDir string

	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	// Registry overrides the provider registry. Nil builds the builtin
	// provider plus the modules in ModulesDir.
	Registry *command.Registry
	Logger   *log.Logger
}

// Run attaches to the session and serves it until the front end ends the
// session, the connection drops or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}

	st, err := state.Attach(opts.StatePath)
	if err != nil {
		return fail(ExitFailure, "attach session state: %w", err)
	}
	defer func() { _ = st.Close() }()
	sid := st.SessionID()
	logger = logger.With(map[string]any{"session_id": sid.String()})

	conn, err := dial(ctx, opts.Socket, opts.ConnectTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var db *store.Store
	if opts.DBPath != "" {
		db, err = store.Open(opts.DBPath)
		if err != nil {
			return fail(ExitFailure, "open store: %w", err)
		}
		defer func() { _ = db.Close() }()
	}

	b := &backend{st: st, conn: conn, logger: logger, keepAlive: opts.KeepAlive}
	env := &command.Env{Ctx: ctx, Store: db, Logger: logger}

	reg := opts.Registry
	if reg == nil {
		reg = defaultRegistry(ctx, opts.ModulesDir, logger)
	}
	providers := reg.Build(env, func(name string, err error) {
		logger.Warn("provider skipped", map[string]any{"provider": name, "error": err.Error()})
	})

	var execDB executor.DB
	if db != nil {
		execDB = db
	}
	b.exec, err = executor.New(executor.Options{
		State:     st,
		DB:        execDB,
		Providers: providers,
		Env:       env,
		Sink:      executor.SinkFunc(b.send),
		Logger:    logger,
	})
	if err != nil {
		return fail(ExitFailure, "build executor: %w", err)
	}
	defer b.exec.Close()

	b.exec.Load()
	b.control(types.AsyncRdy, nil)
	logger.Info("back end ready", map[string]any{"providers": len(providers)})

	return b.loop(ctx)
}

// defaultRegistry registers the builtin provider and every module found in
// dir.
func defaultRegistry(ctx context.Context, dir string, logger *log.Logger) *command.Registry {
	reg := command.NewRegistry()
	reg.MustRegister(command.BuiltinName, builtin.Factory)
	if dir == "" {
		return reg
	}
	mods, err := modproc.Discover(ctx, dir, modproc.Options{Logger: logger})
	if err != nil {
		logger.Warn("module discovery failed", map[string]any{"dir": dir, "error": err.Error()})
		return reg
	}
	for _, p := range mods {
		if err := reg.Register(p.Name(), func(*command.Env) (command.Provider, error) { return p, nil }); err != nil {
			logger.Warn("module skipped", map[string]any{"path": p.Path(), "error": err.Error()})
		}
	}
	return reg
}

// dial connects to the front end, retrying while the socket does not exist
// yet. A missing socket at the deadline is a timeout; any other dial error
// means the path cannot be used at all.
func dial(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var d net.Dialer
	for {
		dctx, cancel := context.WithDeadline(ctx, deadline)
		conn, err := d.DialContext(dctx, "unix", path)
		cancel()
		if err == nil {
			return conn, nil
		}
		if !retryable(err) {
			return nil, fail(ExitPipeOpen, "open front end socket %s: %w", path, err)
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, fail(ExitPipeTimeout, "connect to front end socket %s: timed out after %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, fail(ExitPipeTimeout, "connect to front end socket %s: %w", path, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded)
}

type backend struct {
	st        *state.Store
	conn      net.Conn
	exec      *executor.Executor
	logger    *log.Logger
	keepAlive time.Duration

	writeErr error
	ended    bool
}

// send writes one frame to the front end. The first write failure is kept
// and ends the loop.
func (b *backend) send(f ipc.SessionFrame) {
	if b.writeErr != nil {
		return
	}
	if err := ipc.WriteSessionFrame(b.conn, f); err != nil {
		b.writeErr = err
	}
}

func (b *backend) control(id types.AsyncID, payload []byte) {
	b.send(ipc.SessionFrame{Type: types.TypePrivIPC, CmdID: uint16(id), Payload: payload})
}

type inbound struct {
	f   ipc.SessionFrame
	err error
}

func (b *backend) loop(ctx context.Context) error {
	frames := make(chan inbound, 64)
	go func() {
		defer close(frames)
		r := ipc.NewSessionReader(b.conn)
		for {
			f, err := r.Next()
			select {
			case frames <- inbound{f: f, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()

	for {
		if b.writeErr != nil {
			return fail(ExitFailure, "write to front end: %w", b.writeErr)
		}
		if b.ended {
			b.logger.Info("session ended", nil)
			return nil
		}

		// Inbound frames and keep-alives take priority over a pending loop
		// step.
		if b.exec.StepPending() {
			select {
			case in, ok := <-frames:
				if err := b.inbound(in, ok); err != nil {
					return err
				}
			case <-ticker.C:
				b.control(types.AsyncKeepAlive, nil)
			case <-ctx.Done():
				b.exec.TermAll()
				return nil
			default:
				b.exec.Step()
			}
			continue
		}

		select {
		case in, ok := <-frames:
			if err := b.inbound(in, ok); err != nil {
				return err
			}
		case <-ticker.C:
			if b.exec.Busy() {
				b.control(types.AsyncKeepAlive, nil)
			}
		case <-ctx.Done():
			b.exec.TermAll()
			return nil
		}
	}
}

func (b *backend) inbound(in inbound, ok bool) error {
	if !ok {
		return fail(ExitFailure, "front end connection closed")
	}
	if in.err != nil {
		if errors.Is(in.err, io.EOF) {
			return fail(ExitFailure, "front end connection closed")
		}
		return fail(ExitFailure, "read from front end: %w", in.err)
	}
	if in.f.Type == types.TypePrivIPC {
		b.handleControl(in.f.Async(), in.f.Payload)
		return nil
	}
	b.exec.Exec(in.f)
	return nil
}
