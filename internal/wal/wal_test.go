package wal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

func newTestWAL(t *testing.T, opts Options) (*WAL, storage.Backend) {
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New("orders", backend, opts, zap.NewNop()), backend
}

func TestWALFlushesOnMaxCount(t *testing.T) {
	ctx := context.Background()
	w, backend := newTestWAL(t, Options{MaxCount: 2, Codec: CodecNone})

	require.NoError(t, w.Append(ctx, parquedb.Event{Collection: "orders", EntityID: "o1", Type: parquedb.EventCreate, Seq: w.NextSeq()}))
	require.NoError(t, w.Append(ctx, parquedb.Event{Collection: "orders", EntityID: "o2", Type: parquedb.EventCreate, Seq: w.NextSeq()}))

	events, err := ReadAll(ctx, backend, "orders")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestWALExplicitFlush(t *testing.T) {
	ctx := context.Background()
	w, backend := newTestWAL(t, Options{MaxCount: 100, Codec: CodecLZ4})

	require.NoError(t, w.Append(ctx, parquedb.Event{Collection: "orders", EntityID: "o1", Type: parquedb.EventCreate, Seq: w.NextSeq()}))
	require.NoError(t, w.Flush(ctx))

	events, err := ReadAll(ctx, backend, "orders")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestWALFlushesOnAge(t *testing.T) {
	ctx := context.Background()
	w, backend := newTestWAL(t, Options{MaxCount: 1000, MaxAge: 30 * time.Millisecond, Codec: CodecNone})

	require.NoError(t, w.Append(ctx, parquedb.Event{Collection: "orders", EntityID: "o1", Type: parquedb.EventCreate, Seq: w.NextSeq()}))

	require.Eventually(t, func() bool {
		events, err := ReadAll(ctx, backend, "orders")
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTruncateRemovesSegments(t *testing.T) {
	ctx := context.Background()
	w, backend := newTestWAL(t, Options{MaxCount: 1, Codec: CodecNone})

	require.NoError(t, w.Append(ctx, parquedb.Event{Collection: "orders", EntityID: "o1", Type: parquedb.EventCreate, Seq: w.NextSeq()}))
	require.NoError(t, Truncate(ctx, backend, "orders"))

	events, err := ReadAll(ctx, backend, "orders")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestNextSeqMonotonic(t *testing.T) {
	w, _ := newTestWAL(t, Options{})
	require.Equal(t, uint64(1), w.NextSeq())
	require.Equal(t, uint64(2), w.NextSeq())
	require.Equal(t, uint64(3), w.NextSeq())
}
