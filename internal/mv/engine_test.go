package mv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
)

type recordingHandler struct {
	name       string
	namespaces []string
	mu         sync.Mutex
	received   []parquedb.Event
	resetCount int
}

func (h *recordingHandler) Name() string              { return h.name }
func (h *recordingHandler) SourceNamespaces() []string { return h.namespaces }
func (h *recordingHandler) Process(ctx context.Context, events []parquedb.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, events...)
	return nil
}
func (h *recordingHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = nil
	h.resetCount++
}
func (h *recordingHandler) snapshot() []parquedb.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]parquedb.Event, len(h.received))
	copy(out, h.received)
	return out
}

func TestSubmitDeliversStreamingImmediately(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())
	h := &recordingHandler{name: "h1", namespaces: []string{"orders"}}
	e.Register(h, HandlerOptions{Mode: ModeStreaming})

	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "orders", Seq: 1}))
	require.Len(t, h.snapshot(), 1)
}

func TestSubmitIgnoresNonMatchingNamespace(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())
	h := &recordingHandler{name: "h1", namespaces: []string{"orders"}}
	e.Register(h, HandlerOptions{Mode: ModeStreaming})

	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "invoices", Seq: 1}))
	require.Empty(t, h.snapshot())
}

func TestScheduledModeBuffersUntilFlush(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())
	h := &recordingHandler{name: "h1", namespaces: []string{"orders"}}
	e.Register(h, HandlerOptions{Mode: ModeScheduled})

	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "orders", Seq: 1}))
	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "orders", Seq: 2}))
	require.Empty(t, h.snapshot())

	require.NoError(t, e.Flush(ctx, "h1"))
	require.Len(t, h.snapshot(), 2)
}

func TestDeliverSkipsAlreadyObservedSequence(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())
	h := &recordingHandler{name: "h1", namespaces: []string{"orders"}}
	e.Register(h, HandlerOptions{Mode: ModeStreaming})

	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "orders", Seq: 5}))
	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "orders", Seq: 3}))
	require.Len(t, h.snapshot(), 1)
}

func TestFullRefreshResetsThenReplays(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())
	h := &recordingHandler{name: "h1", namespaces: []string{"orders"}}
	e.Register(h, HandlerOptions{Mode: ModeFull})

	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "orders", Seq: 1}))
	require.Empty(t, h.snapshot(), "full-mode handler ignores live submission")

	events := []parquedb.Event{
		{Collection: "orders", Seq: 1},
		{Collection: "orders", Seq: 2},
	}
	require.NoError(t, e.FullRefresh(ctx, "h1", events))
	require.Len(t, h.snapshot(), 2)
	require.Equal(t, 1, h.resetCount)
}

func TestStartScheduledDrainsOnTicker(t *testing.T) {
	ctx := context.Background()
	e := New(zap.NewNop())
	h := &recordingHandler{name: "h1", namespaces: []string{"orders"}}
	e.Register(h, HandlerOptions{Mode: ModeScheduled, IntervalMs: 10})
	defer e.Stop()

	require.NoError(t, e.StartScheduled(ctx, "h1"))
	require.NoError(t, e.Submit(ctx, parquedb.Event{Collection: "orders", Seq: 1}))

	require.Eventually(t, func() bool {
		return len(h.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlushUnknownHandlerReturnsNotFound(t *testing.T) {
	e := New(zap.NewNop())
	err := e.Flush(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, parquedb.IsType(err, parquedb.ErrorTypeNotFound))
}
