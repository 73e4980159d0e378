package wal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

// FlushReason records why a segment was written, surfaced in logs the way
// flusher.go logs "flush completed" with its trigger.
type FlushReason string

const (
	FlushReasonCount    FlushReason = "count_threshold"
	FlushReasonBytes    FlushReason = "bytes_threshold"
	FlushReasonAge      FlushReason = "age_threshold"
	FlushReasonExplicit FlushReason = "explicit"
)

// Options configures when a namespace's WAL flushes its buffered events to a
// segment, mirroring flusher.go's MinRecords/MaxAgeMs thresholds plus a
// byte-size cap the spec adds for large individual events.
type Options struct {
	MaxCount int
	MaxBytes int64
	MaxAge   time.Duration
	Codec    Codec
}

// WAL buffers events for one namespace (a collection, or a logical shard of
// one) in memory and flushes them as a single compressed segment to a
// storage.Backend once a threshold trips.
type WAL struct {
	namespace string
	backend   storage.Backend
	opts      Options
	logger    *zap.Logger

	seq uint64 // monotonic, assigned under mu

	mu          sync.Mutex
	buffer      []parquedb.Event
	bufferBytes int64
	oldest      time.Time
	segmentIdx  uint64

	timerMu sync.Mutex
	timer   *time.Timer
}

// New creates a WAL for namespace, writing flushed segments under
// "wal/<namespace>/" in backend.
func New(namespace string, backend storage.Backend, opts Options, logger *zap.Logger) *WAL {
	return &WAL{
		namespace: namespace,
		backend:   backend,
		opts:      opts,
		logger:    logger,
	}
}

// NextSeq assigns the next monotonic sequence number for this namespace.
// Sequence numbers are per-namespace and never reused, even across flushes.
func (w *WAL) NextSeq() uint64 {
	return atomic.AddUint64(&w.seq, 1)
}

// Append buffers ev (which must already carry its assigned Seq) and flushes
// the buffer if a count, byte, or age threshold is now met.
func (w *WAL) Append(ctx context.Context, ev parquedb.Event) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.oldest = time.Now()
		w.scheduleAgeCheck(ctx)
	}
	w.buffer = append(w.buffer, ev)
	w.bufferBytes += estimateSize(ev)

	reason, shouldFlush := w.shouldFlushLocked()
	if !shouldFlush {
		w.mu.Unlock()
		return nil
	}
	batch := w.drainLocked()
	w.mu.Unlock()

	return w.writeSegment(ctx, batch, reason)
}

// Flush writes any buffered events as a segment immediately, regardless of
// thresholds. A no-op when the buffer is empty.
func (w *WAL) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.drainLocked()
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return w.writeSegment(ctx, batch, FlushReasonExplicit)
}

func (w *WAL) shouldFlushLocked() (FlushReason, bool) {
	if w.opts.MaxCount > 0 && len(w.buffer) >= w.opts.MaxCount {
		return FlushReasonCount, true
	}
	if w.opts.MaxBytes > 0 && w.bufferBytes >= w.opts.MaxBytes {
		return FlushReasonBytes, true
	}
	if w.opts.MaxAge > 0 && !w.oldest.IsZero() && time.Since(w.oldest) >= w.opts.MaxAge {
		return FlushReasonAge, true
	}
	return "", false
}

func (w *WAL) drainLocked() []parquedb.Event {
	batch := w.buffer
	w.buffer = nil
	w.bufferBytes = 0
	w.oldest = time.Time{}
	return batch
}

// scheduleAgeCheck arms a timer so a namespace that receives one event and
// then goes quiet still flushes once MaxAge elapses, instead of waiting
// indefinitely for a subsequent Append to notice the threshold.
func (w *WAL) scheduleAgeCheck(ctx context.Context) {
	if w.opts.MaxAge <= 0 {
		return
	}
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.MaxAge, func() {
		w.mu.Lock()
		if len(w.buffer) == 0 {
			w.mu.Unlock()
			return
		}
		batch := w.drainLocked()
		w.mu.Unlock()
		if err := w.writeSegment(ctx, batch, FlushReasonAge); err != nil {
			w.logger.Sugar().Errorw("age-triggered wal flush failed", "namespace", w.namespace, "err", err)
		}
	})
}

func (w *WAL) writeSegment(ctx context.Context, batch []parquedb.Event, reason FlushReason) error {
	if len(batch) == 0 {
		return nil
	}
	data, err := EncodeSegment(w.opts.Codec, batch)
	if err != nil {
		return err
	}

	idx := atomic.AddUint64(&w.segmentIdx, 1)
	path := fmt.Sprintf("wal/%s/%020d.seg", w.namespace, idx)

	if err := w.backend.Write(ctx, path, data); err != nil {
		return parquedb.NewUnavailableError("write wal segment", err)
	}

	w.logger.Sugar().Infow("wal segment flushed",
		"namespace", w.namespace, "path", path, "events", len(batch), "reason", reason)
	return nil
}

func estimateSize(ev parquedb.Event) int64 {
	return int64(64 + len(ev.Collection) + len(ev.EntityID) + len(fmt.Sprint(ev.Data)) + len(fmt.Sprint(ev.Update)))
}
