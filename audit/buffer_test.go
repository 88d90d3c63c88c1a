package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pithecene-io/mrci/metrics"
)

type fakeWriter struct {
	mu      sync.Mutex
	fail    error
	batches [][]Record
}

func (w *fakeWriter) Write(_ context.Context, records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.batches = append(w.batches, append([]Record(nil), records...))
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestNewBuffer_Validation(t *testing.T) {
	if _, err := NewBuffer(nil, DefaultBufferConfig()); err == nil {
		t.Error("nil writer accepted")
	}
	if _, err := NewBuffer(&fakeWriter{}, BufferConfig{}); err == nil {
		t.Error("zero MaxRecords accepted")
	}
}

func TestBuffer_FlushOnFull(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	b, err := NewBuffer(w, BufferConfig{MaxRecords: 2})
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Record(ctx, Record{Kind: KindSessionStarted}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if w.count() != 2 {
		t.Errorf("persisted %d before close, want 2", w.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.count() != 3 {
		t.Errorf("persisted %d after close, want 3", w.count())
	}
	s := b.Stats()
	if s.Total != 3 || s.Persisted != 3 || s.Buffered != 0 {
		t.Errorf("stats = %+v", s)
	}
	if err := b.Record(ctx, Record{Kind: KindSessionEnded}); !errors.Is(err, ErrClosed) {
		t.Errorf("Record after Close = %v", err)
	}
}

func TestBuffer_DropsOnlyDroppable(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{fail: errors.New("connection refused")}
	m := metrics.NewCollector("process", "memory")
	b, err := NewBuffer(w, BufferConfig{MaxRecords: 2, Metrics: m})
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}

	mustRecord := func(k Kind) {
		t.Helper()
		if err := b.Record(ctx, Record{Kind: k}); err != nil {
			t.Fatalf("Record(%s): %v", k, err)
		}
	}
	mustRecord(KindSuspiciousFrame)
	mustRecord(KindSessionStarted)

	// Full and unflushable: an incoming droppable record is dropped.
	mustRecord(KindSuspiciousFrame)
	// A lifecycle record evicts the buffered droppable one.
	mustRecord(KindSessionEnded)
	// Nothing droppable left.
	if err := b.Record(ctx, Record{Kind: KindBackendCrash}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}

	s := b.Stats()
	if s.Dropped != 2 || s.Buffered != 2 {
		t.Errorf("stats = %+v", s)
	}
	if snap := m.Snapshot(); snap.AuditWriteFailure == 0 {
		t.Error("write failures not counted")
	}

	// Failed batches are retried once the writer recovers.
	w.mu.Lock()
	w.fail = nil
	w.mu.Unlock()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.count() != 2 {
		t.Errorf("persisted %d, want 2", w.count())
	}
	for _, r := range w.batches[0] {
		if r.Kind == KindSuspiciousFrame {
			t.Error("dropped record persisted")
		}
	}
}

func TestStrict_WritesThrough(t *testing.T) {
	w := &fakeWriter{}
	m := metrics.NewCollector("process", "memory")
	r := Strict(w, m)
	if err := r.Record(context.Background(), Record{Kind: KindSessionStarted}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if w.count() != 1 || len(w.batches) != 1 {
		t.Errorf("batches = %d records = %d", len(w.batches), w.count())
	}
	w.fail = errors.New("boom")
	if err := r.Record(context.Background(), Record{Kind: KindSessionEnded}); err == nil {
		t.Error("write failure swallowed")
	}
	snap := m.Snapshot()
	if snap.AuditWriteSuccess != 1 || snap.AuditWriteFailure != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
