// Package modproc serves commands from module executables.
//
// A module is an executable file in the modules directory. Run with -list it
// writes one CATALOG child frame (a msgpack ipc.Catalog) to stdout and exits.
// Run with -run <command> it serves a single command invocation:
//
//   - the host writes each input frame as a child frame whose type is the
//     session frame type;
//   - the module answers with TEXT, ERR, PRIV_TEXT and BIG_TEXT frames;
//   - a LOOP or MORE_INPUT frame ends the answer and keeps the process for
//     the next step;
//   - an IDLE frame (optional u16 ret code payload) ends the invocation.
//
// Terminating a command sends TERM, closes stdin and kills the process if it
// has not exited after a grace period.
package modproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/runtime"
)

// Default timing.
const (
	DefaultListTimeout = 5 * time.Second
	DefaultStepTimeout = 30 * time.Second
	DefaultTermGrace   = 2 * time.Second
)

// Options tunes module processes.
type Options struct {
	// ListTimeout bounds a -list run.
	ListTimeout time.Duration
	// StepTimeout bounds the wait for a module's answer to one input frame.
	StepTimeout time.Duration
	// TermGrace is how long a terminated module may take to exit.
	TermGrace time.Duration
	Logger    *log.Logger
}

func (o Options) withDefaults() Options {
	if o.ListTimeout <= 0 {
		o.ListTimeout = DefaultListTimeout
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.TermGrace <= 0 {
		o.TermGrace = DefaultTermGrace
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	return o
}

// Provider is a command.Provider backed by one module executable.
type Provider struct {
	path    string
	catalog ipc.Catalog
	opts    Options

	commands []string
	public   []string
	exempt   []string
}

var _ command.Provider = (*Provider)(nil)

// Load runs path -list and builds a provider from its catalog.
func Load(ctx context.Context, path string, opts Options) (*Provider, error) {
	opts = opts.withDefaults()
	cat, err := readCatalog(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if cat.Name == "" {
		cat.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	p := &Provider{path: path, catalog: cat, opts: opts}
	p.commands = lowerSorted(cat.Commands)
	p.public = lowerSorted(cat.Public)
	p.exempt = lowerSorted(append(append([]string(nil), cat.Exempt...), cat.Public...))
	return p, nil
}

func readCatalog(ctx context.Context, path string, opts Options) (ipc.Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.ListTimeout)
	defer cancel()

	m := runtime.NewExecutorManager(&runtime.ExecutorConfig{
		Path:     path,
		Args:     []string{"-list"},
		Stdout:   true,
		OnStderr: stderrLog(opts.Logger, map[string]any{"module": path}),
	})
	if err := m.Start(ctx); err != nil {
		return ipc.Catalog{}, fmt.Errorf("module %s: %w", path, err)
	}

	var cat ipc.Catalog
	var readErr error
	r := ipc.NewChildReader(m.Stdout())
	for {
		f, err := r.Next()
		if err != nil {
			readErr = err
			break
		}
		if f.Type == ipc.ChildCatalog {
			readErr = ipc.Decode(f.Payload, &cat)
			break
		}
	}
	// Drain so Wait does not block on a full pipe.
	for readErr == nil {
		if _, err := r.Next(); err != nil {
			break
		}
	}

	res, err := m.Wait()
	if err != nil {
		return ipc.Catalog{}, fmt.Errorf("module %s: %w", path, err)
	}
	if readErr != nil && !isEOF(readErr) {
		return ipc.Catalog{}, fmt.Errorf("module %s: read catalog: %w", path, readErr)
	}
	if len(cat.Commands) == 0 {
		return ipc.Catalog{}, fmt.Errorf("module %s: no catalog (exit code %d): %s",
			path, res.ExitCode, bytes.TrimSpace(res.StderrBytes))
	}
	return cat, nil
}

// Discover loads every executable in dir. Modules that fail to list are
// logged and skipped.
func Discover(ctx context.Context, dir string, opts Options) ([]*Provider, error) {
	opts = opts.withDefaults()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read modules dir: %w", err)
	}
	var out []*Provider
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !IsModule(path) {
			continue
		}
		p, err := Load(ctx, path, opts)
		if err != nil {
			opts.Logger.Warn("module skipped", map[string]any{"path": path, "error": err.Error()})
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// IsModule reports whether path is a regular executable file.
func IsModule(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// Path returns the module executable.
func (p *Provider) Path() string { return p.path }

func (p *Provider) Name() string             { return p.catalog.Name }
func (p *Provider) Commands() []string       { return p.commands }
func (p *Provider) Public() []string         { return p.public }
func (p *Provider) RankExempt() []string     { return p.exempt }
func (p *Provider) MinimumHostRevision() int { return p.catalog.Rev }

// AcceptsHostRevision accepts hosts at or above the module's revision.
func (p *Provider) AcceptsHostRevision(rev int) bool { return rev >= p.catalog.Rev }

// Summary returns the catalog's one-line description of a command.
func (p *Provider) Summary(name string) string {
	for k, v := range p.catalog.Summary {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// New returns a handler that runs name in a fresh module process per
// invocation.
func (p *Provider) New(name string) (command.Handler, error) {
	if !command.Contains(p.commands, name) {
		return nil, fmt.Errorf("module %s has no command %q", p.catalog.Name, name)
	}
	return &procCommand{
		path:   p.path,
		name:   strings.ToLower(name),
		opts:   p.opts,
		logger: p.opts.Logger.With(map[string]any{"module": p.catalog.Name, "cmd": name}),
	}, nil
}

func lowerSorted(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed)
}

// stderrLog forwards module stderr lines at debug level. It returns nil when
// debug is off so the executor skips the callback.
func stderrLog(logger *log.Logger, fields map[string]any) func(string) {
	if !logger.DebugEnabled() {
		return nil
	}
	return func(line string) {
		f := map[string]any{"line": line}
		for k, v := range fields {
			f[k] = v
		}
		logger.Debug("module stderr", f)
	}
}
