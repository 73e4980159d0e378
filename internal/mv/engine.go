// Package mv implements the Materialized View Refresh Engine (§4.11): a
// registry of handlers that consume WAL events in per-namespace order and
// maintain derived aggregate state, plus two concrete observability
// handlers (EvalScores, WorkerRequests) that push their rows into an
// in-memory DuckDB table for statistics.
//
// The handler/dispatch shape has no single forma analog (forma has no
// incremental view layer); it is grounded on forma's CDC pipeline generally
// (internal/cdc/flusher.go's buffer-then-flush-on-threshold loop, reused
// here as the scheduled-mode drain) and its DuckDB export idiom
// (internal/cdc/duckdb_exporter.go), pushing per-event aggregation into SQL
// rather than hand-rolled running statistics.
package mv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
)

// RefreshMode selects how a registered handler receives events.
type RefreshMode string

const (
	ModeStreaming RefreshMode = "streaming"
	ModeScheduled RefreshMode = "scheduled"
	ModeFull      RefreshMode = "full"
)

// Handler is one materialized view's event consumer.
type Handler interface {
	Name() string
	SourceNamespaces() []string
	Process(ctx context.Context, events []parquedb.Event) error
}

// Resetter is implemented by handlers that support a full rescan refresh:
// Reset discards accumulated state before Process replays from scratch.
type Resetter interface {
	Reset()
}

// HandlerOptions configures one registered handler's refresh behavior.
type HandlerOptions struct {
	Mode           RefreshMode
	IntervalMs     int
	MaxStalenessMs int
	Indexes        []string
	Tags           []string
	Description    string
}

type registration struct {
	handler Handler
	opts    HandlerOptions

	mu      sync.Mutex // serializes batches per handler (§5 shared resources (e))
	lastSeq map[string]uint64
	queue   []parquedb.Event

	ticker *time.Ticker
	stopCh chan struct{}
}

// Engine fans WAL events out to registered MV handlers, enforcing that a
// handler's last-processed sequence per source namespace never regresses.
type Engine struct {
	mu     sync.RWMutex
	byName map[string]*registration
	logger *zap.Logger
}

// New builds an empty Engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{byName: make(map[string]*registration), logger: logger}
}

// Register adds or replaces a handler under its own Name(), stopping any
// scheduled-mode ticker the prior registration under that name was running.
func (e *Engine) Register(handler Handler, opts HandlerOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.byName[handler.Name()]; ok && existing.ticker != nil {
		existing.ticker.Stop()
		close(existing.stopCh)
	}
	e.byName[handler.Name()] = &registration{
		handler: handler,
		opts:    opts,
		lastSeq: make(map[string]uint64),
	}
}

// Submit routes ev to every handler whose SourceNamespaces includes
// ev.Collection. Streaming handlers process immediately; scheduled handlers
// buffer until Flush (explicit or ticker-driven); full-mode handlers only
// advance via FullRefresh and ignore live submission. One handler's failure
// never blocks delivery to the others (§4.11 handler isolation); all errors
// are aggregated via multierr and returned together.
func (e *Engine) Submit(ctx context.Context, ev parquedb.Event) error {
	e.mu.RLock()
	var targets []*registration
	for _, r := range e.byName {
		if containsNamespace(r.handler.SourceNamespaces(), ev.Collection) {
			targets = append(targets, r)
		}
	}
	e.mu.RUnlock()

	var errs error
	for _, r := range targets {
		if err := e.route(ctx, r, ev); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("mv handler %s: %w", r.handler.Name(), err))
		}
	}
	return errs
}

func (e *Engine) route(ctx context.Context, r *registration, ev parquedb.Event) error {
	switch r.opts.Mode {
	case ModeScheduled:
		r.mu.Lock()
		r.queue = append(r.queue, ev)
		r.mu.Unlock()
		return nil
	case ModeFull:
		return nil
	default:
		return e.deliverLocked(ctx, r, []parquedb.Event{ev})
	}
}

// deliverLocked calls handler.Process while holding r.mu, skipping any event
// whose sequence has already been observed for its namespace so a replayed
// or resumed batch stays at-least-once without regressing the watermark.
func (e *Engine) deliverLocked(ctx context.Context, r *registration, events []parquedb.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var toDeliver []parquedb.Event
	for _, ev := range events {
		if ev.Seq != 0 && ev.Seq <= r.lastSeq[ev.Collection] {
			continue
		}
		toDeliver = append(toDeliver, ev)
	}
	if len(toDeliver) == 0 {
		return nil
	}
	if err := r.handler.Process(ctx, toDeliver); err != nil {
		return err
	}
	for _, ev := range toDeliver {
		if ev.Seq > r.lastSeq[ev.Collection] {
			r.lastSeq[ev.Collection] = ev.Seq
		}
	}
	return nil
}

// Flush drains a scheduled-mode handler's buffered events, delivering all of
// them before returning (§4.11: "within a single flush() call, all queued
// events are delivered before returning").
func (e *Engine) Flush(ctx context.Context, name string) error {
	r, err := e.lookup(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return e.deliverLocked(ctx, r, pending)
}

// FlushAll drains every registered handler, aggregating any per-handler
// failures via multierr instead of aborting the remaining flushes.
func (e *Engine) FlushAll(ctx context.Context) error {
	e.mu.RLock()
	names := make([]string, 0, len(e.byName))
	for name := range e.byName {
		names = append(names, name)
	}
	e.mu.RUnlock()
	var errs error
	for _, name := range names {
		if err := e.Flush(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("mv handler %s: %w", name, err))
		}
	}
	return errs
}

// StartScheduled arms name's periodic drain per its IntervalMs. No-op for a
// handler not registered in ModeScheduled, or with no positive interval.
func (e *Engine) StartScheduled(ctx context.Context, name string) error {
	e.mu.Lock()
	r, ok := e.byName[name]
	if !ok {
		e.mu.Unlock()
		return parquedb.NewError(parquedb.ErrorTypeNotFound, "mv_handler_not_found", "mv handler not found: "+name)
	}
	if r.opts.Mode != ModeScheduled || r.opts.IntervalMs <= 0 || r.ticker != nil {
		e.mu.Unlock()
		return nil
	}
	r.ticker = time.NewTicker(time.Duration(r.opts.IntervalMs) * time.Millisecond)
	r.stopCh = make(chan struct{})
	ticker, stopCh := r.ticker, r.stopCh
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := e.Flush(ctx, name); err != nil {
					e.logger.Sugar().Errorw("mv scheduled flush failed", "handler", name, "err", err)
				}
			case <-stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop halts every running scheduled-mode ticker.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.byName {
		if r.ticker != nil {
			r.ticker.Stop()
			close(r.stopCh)
			r.ticker = nil
		}
	}
}

// FullRefresh rescans events from scratch for a handler, resetting its
// state first when it implements Resetter.
func (e *Engine) FullRefresh(ctx context.Context, name string, events []parquedb.Event) error {
	r, err := e.lookup(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if resetter, ok := r.handler.(Resetter); ok {
		resetter.Reset()
	}
	r.lastSeq = make(map[string]uint64)
	r.mu.Unlock()

	return e.deliverLocked(ctx, r, events)
}

func (e *Engine) lookup(name string) (*registration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byName[name]
	if !ok {
		return nil, parquedb.NewError(parquedb.ErrorTypeNotFound, "mv_handler_not_found", "mv handler not found: "+name)
	}
	return r, nil
}

func containsNamespace(namespaces []string, ns string) bool {
	for _, n := range namespaces {
		if n == ns {
			return true
		}
	}
	return false
}
