package server

import (
	"context"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pithecene-io/mrci/broker"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/modproc"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// settleDelay lets a module finish being written before its catalog is
// read.
const settleDelay = 300 * time.Millisecond

// moduleWatcher turns module executables appearing and disappearing into
// ENABLE_MOD and DISABLE_MOD bus events. Back ends reload their catalogs on
// either event.
type moduleWatcher struct {
	dir    string
	db     *store.Store
	bus    *broker.Bus
	logger *log.Logger
	fs     *fsnotify.Watcher
	settle time.Duration

	mu    sync.Mutex
	known map[string]string // path -> module name
}

func newModuleWatcher(dir string, db *store.Store, bus *broker.Bus, logger *log.Logger) (*moduleWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, err
	}
	return &moduleWatcher{
		dir:    dir,
		db:     db,
		bus:    bus,
		logger: logger.Named("watcher").With(map[string]any{"dir": dir}),
		fs:     fs,
		settle: settleDelay,
		known:  make(map[string]string),
	}, nil
}

// names returns the sorted names of the modules currently present.
func (w *moduleWatcher) names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Values(w.known))
}

func (w *moduleWatcher) run(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()

	mods, err := modproc.Discover(ctx, w.dir, modproc.Options{Logger: w.logger})
	if err != nil {
		w.logger.Warn("initial module scan failed", map[string]any{"error": err.Error()})
	}
	w.mu.Lock()
	for _, p := range mods {
		w.known[p.Path()] = p.Name()
	}
	w.mu.Unlock()

	due := make(chan string, 16)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			switch {
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				if t := timers[path]; t != nil {
					t.Stop()
					delete(timers, path)
				}
				w.removed(ctx, path)
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Chmod):
				if t := timers[path]; t != nil {
					t.Reset(w.settle)
					continue
				}
				timers[path] = time.AfterFunc(w.settle, func() {
					select {
					case due <- path:
					case <-ctx.Done():
					}
				})
			}
		case path := <-due:
			delete(timers, path)
			w.changed(ctx, path)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", map[string]any{"error": err.Error()})
		}
	}
}

// changed loads a new or rewritten module and announces it.
func (w *moduleWatcher) changed(ctx context.Context, path string) {
	if !modproc.IsModule(path) {
		return
	}
	p, err := modproc.Load(ctx, path, modproc.Options{Logger: w.logger})
	if err != nil {
		w.logger.Warn("module rejected", map[string]any{"path": path, "error": err.Error()})
		return
	}
	w.mu.Lock()
	w.known[path] = p.Name()
	w.mu.Unlock()

	if w.db != nil {
		if err := w.db.SetModuleEnabled(ctx, p.Name(), path, true); err != nil {
			w.logger.Warn("module registration failed", map[string]any{"module": p.Name(), "error": err.Error()})
		}
	}
	w.logger.Info("module enabled", map[string]any{"module": p.Name(), "commands": len(p.Commands())})
	w.bus.Publish(broker.Event{Kind: types.AsyncEnableMod, Payload: []byte(p.Name())})
}

// removed disables a module whose executable is gone.
func (w *moduleWatcher) removed(ctx context.Context, path string) {
	w.mu.Lock()
	name, ok := w.known[path]
	delete(w.known, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if w.db != nil {
		if err := w.db.SetModuleEnabled(ctx, name, "", false); err != nil {
			w.logger.Warn("module deregistration failed", map[string]any{"module": name, "error": err.Error()})
		}
	}
	w.logger.Info("module disabled", map[string]any{"module": name})
	w.bus.Publish(broker.Event{Kind: types.AsyncDisableMod, Payload: []byte(name)})
}
