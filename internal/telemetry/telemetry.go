// Package telemetry exposes a minimal pluggable emitter hook used by the
// Query Engine to report scan/pushdown metrics; EmitMVRefreshLag is
// available for materialized-view lag but no package in this module calls
// it. The
// default emitter is a no-op so the core has no hard metrics backend
// dependency; callers register a real emitter (OpenTelemetry, a test stub,
// whatever fits their deployment) via RegisterEmitter.
package telemetry

import (
	"context"
	"fmt"
	"sync"
)

type Emitter func(ctx context.Context, name string, labels map[string]string, value any)

var (
	mu   sync.Mutex
	impl Emitter = func(ctx context.Context, name string, labels map[string]string, value any) {}
)

// RegisterEmitter swaps in a custom emitter. Passing nil restores the no-op.
func RegisterEmitter(fn Emitter) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		impl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	impl = fn
}

func current() Emitter {
	mu.Lock()
	defer mu.Unlock()
	return impl
}

// EmitRowGroupsScanned records how many row groups a query touched vs. how
// many the collection has, for pushdown-efficiency observability.
func EmitRowGroupsScanned(ctx context.Context, collection string, scanned, total int) {
	current()(ctx, "query_row_groups_scanned", map[string]string{"collection": collection}, fmt.Sprintf("%d/%d", scanned, total))
}

// EmitQueryLatency records query latency in milliseconds for a named stage.
func EmitQueryLatency(ctx context.Context, stage string, ms int64) {
	current()(ctx, "query_latency_ms", map[string]string{"stage": stage}, ms)
}

// EmitMVRefreshLag records the refresh lag (in events) for a materialized view.
func EmitMVRefreshLag(ctx context.Context, view string, lag int) {
	current()(ctx, "mv_refresh_lag", map[string]string{"view": view}, lag)
}
