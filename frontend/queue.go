package frontend

import (
	"sync"
	"time"

	"github.com/pithecene-io/mrci/ipc"
)

// outbox is an unbounded frame queue drained by one writer goroutine, so
// the session loop never blocks on a slow back end.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []ipc.SessionFrame
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// push queues f. It reports false once the outbox is closed.
func (o *outbox) push(f ipc.SessionFrame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.frames = append(o.frames, f)
	o.cond.Signal()
	return true
}

// pop blocks for the next frame. After close it drains what is left and
// then reports false.
func (o *outbox) pop() (ipc.SessionFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.frames) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.frames) == 0 {
		return ipc.SessionFrame{}, false
	}
	f := o.frames[0]
	o.frames[0] = ipc.SessionFrame{}
	o.frames = o.frames[1:]
	return f, true
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

// breaker counts crashes in a trailing window. It trips on the
// threshold-th crash inside the window.
type breaker struct {
	threshold int
	window    time.Duration
	hits      []time.Time
}

// record adds a crash at now and reports whether the breaker tripped.
func (b *breaker) record(now time.Time) bool {
	cutoff := now.Add(-b.window)
	kept := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.hits = append(kept, now)
	return len(b.hits) >= b.threshold
}

// count returns the crashes currently inside the window.
func (b *breaker) count() int { return len(b.hits) }

// watchdog is a restartable one-shot timer usable in a select. C is nil
// while disarmed.
type watchdog struct {
	t *time.Timer
	C <-chan time.Time
}

func (w *watchdog) arm(d time.Duration) {
	w.stop()
	w.t = time.NewTimer(d)
	w.C = w.t.C
}

func (w *watchdog) stop() {
	if w.t != nil {
		w.t.Stop()
		w.t = nil
		w.C = nil
	}
}

func (w *watchdog) armed() bool { return w.t != nil }
