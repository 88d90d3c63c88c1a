package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/metrics"
)

// ErrBufferFull is returned when the buffer is full, holds nothing
// droppable and cannot be flushed.
var ErrBufferFull = errors.New("audit buffer full: cannot accept non-droppable record")

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit buffer closed")

// BufferConfig configures a Buffer.
type BufferConfig struct {
	// MaxRecords bounds the buffer. A full buffer is flushed.
	MaxRecords int
	// FlushInterval flushes periodically. Zero disables the ticker.
	FlushInterval time.Duration
	// WriteTimeout bounds one background flush.
	WriteTimeout time.Duration
	// Logger is optional.
	Logger *log.Logger
	// Metrics counts write successes and failures. Optional.
	Metrics *metrics.Collector
}

// DefaultBufferConfig returns sensible defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxRecords:    256,
		FlushInterval: 10 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// Stats is a point-in-time view of buffer counters.
type Stats struct {
	Total     int64
	Persisted int64
	Dropped   int64
	Flushes   int64
	Errors    int64
	Buffered  int
}

// Buffer batches records in front of a Writer.
//
// Drop strategy when full and a flush fails:
//   - an incoming droppable record is dropped
//   - otherwise the oldest buffered droppable record is dropped
//   - otherwise Record returns ErrBufferFull
//
// Failed flushes keep the batch for the next attempt (at least once).
type Buffer struct {
	sink    Writer
	config  BufferConfig
	logger  *log.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	buf    []Record
	stats  Stats
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBuffer creates a buffer and starts its flush ticker.
func NewBuffer(sink Writer, config BufferConfig) (*Buffer, error) {
	if sink == nil {
		return nil, errors.New("audit buffer requires a writer")
	}
	if config.MaxRecords <= 0 {
		return nil, fmt.Errorf("max records must be > 0, got %d", config.MaxRecords)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultBufferConfig().WriteTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}
	b := &Buffer{
		sink:    sink,
		config:  config,
		logger:  logger,
		metrics: config.Metrics,
		buf:     make([]Record, 0, config.MaxRecords),
		stop:    make(chan struct{}),
	}
	if config.FlushInterval > 0 {
		b.wg.Add(1)
		go b.tick()
	}
	return b, nil
}

func (b *Buffer) tick() {
	defer b.wg.Done()
	t := time.NewTicker(b.config.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.config.WriteTimeout)
			if err := b.Flush(ctx); err != nil {
				b.logger.Warn("audit flush failed", map[string]any{
					"error":     err.Error(),
					"buffered":  b.Stats().Buffered,
					"transient": IsTransient(err),
				})
			}
			cancel()
		}
	}
}

// Record buffers r, flushing when the buffer fills.
func (b *Buffer) Record(ctx context.Context, r Record) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.stats.Total++

	if len(b.buf) >= b.config.MaxRecords {
		if err := b.flushLocked(ctx); err != nil {
			if IsDroppable(r.Kind) {
				b.stats.Dropped++
				return nil
			}
			if !b.dropOldestDroppableLocked() {
				return fmt.Errorf("%w: %v", ErrBufferFull, err)
			}
		}
	}
	b.buf = append(b.buf, r)
	return nil
}

func (b *Buffer) dropOldestDroppableLocked() bool {
	for i, r := range b.buf {
		if IsDroppable(r.Kind) {
			b.buf = append(b.buf[:i], b.buf[i+1:]...)
			b.stats.Dropped++
			return true
		}
	}
	return false
}

// Flush writes every buffered record.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *Buffer) flushLocked(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	b.stats.Flushes++
	if err := b.sink.Write(ctx, b.buf); err != nil {
		b.stats.Errors++
		b.metrics.IncAuditWriteFailure()
		return err
	}
	b.metrics.IncAuditWriteSuccess()
	b.stats.Persisted += int64(len(b.buf))
	b.buf = b.buf[:0]
	return nil
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Buffered = len(b.buf)
	return s
}

// Close stops the ticker and flushes what is left.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), b.config.WriteTimeout)
	defer cancel()
	return b.Flush(ctx)
}
