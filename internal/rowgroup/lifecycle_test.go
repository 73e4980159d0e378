package rowgroup

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/columnar"
	"github.com/lychee-technology/parquedb/internal/storage"
	"github.com/lychee-technology/parquedb/internal/wal"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, storage.Backend) {
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New(backend, 100, zap.NewNop()), backend
}

func appendEvent(t *testing.T, backend storage.Backend, collection string, ev parquedb.Event) {
	data, err := wal.EncodeSegment(wal.CodecNone, []parquedb.Event{ev})
	require.NoError(t, err)
	path := "wal/" + collection + "/append-" + ev.EntityID + "-" + string(rune('0'+int(ev.Seq))) + ".seg"
	require.NoError(t, backend.Write(context.Background(), path, data))
}

func TestMergeFoldsCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	lc, backend := newTestLifecycle(t)

	appendEvent(t, backend, "orders", parquedb.Event{Collection: "orders", EntityID: "o1", Type: parquedb.EventCreate, Seq: 1, Data: map[string]any{"total": 10.0}})
	appendEvent(t, backend, "orders", parquedb.Event{Collection: "orders", EntityID: "o2", Type: parquedb.EventCreate, Seq: 2, Data: map[string]any{"total": 20.0}})
	appendEvent(t, backend, "orders", parquedb.Event{Collection: "orders", EntityID: "o1", Type: parquedb.EventUpdate, Seq: 3, Update: map[string]any{"$set": map[string]any{"total": 15.0}}})
	appendEvent(t, backend, "orders", parquedb.Event{Collection: "orders", EntityID: "o2", Type: parquedb.EventDelete, Seq: 4})

	manifest, err := lc.Merge(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, manifest.RowGroups, 1)

	rows, _, err := columnar.Read(ctx, backend, manifest.RowGroups[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]columnar.Row{}
	for _, r := range rows {
		byID[r.EntityID] = r
	}
	require.Equal(t, 15.0, byID["o1"].Document["total"])
	require.True(t, byID["o2"].Deleted)

	remaining, err := wal.ReadAll(ctx, backend, "orders")
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestMergeIsIdempotentOnEmptyWAL(t *testing.T) {
	ctx := context.Background()
	lc, backend := newTestLifecycle(t)

	appendEvent(t, backend, "orders", parquedb.Event{Collection: "orders", EntityID: "o1", Type: parquedb.EventCreate, Seq: 1, Data: map[string]any{"total": 10.0}})
	first, err := lc.Merge(ctx, "orders")
	require.NoError(t, err)

	second, err := lc.Merge(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, first.RowGroups, second.RowGroups)
}

func TestMergeChunksAcrossRowGroupSizeLimit(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	lc := New(backend, 2, zap.NewNop())

	for i := 1; i <= 5; i++ {
		appendEvent(t, backend, "orders", parquedb.Event{
			Collection: "orders",
			EntityID:   string(rune('a' + i)),
			Type:       parquedb.EventCreate,
			Seq:        uint64(i),
			Data:       map[string]any{"n": float64(i)},
		})
	}

	manifest, err := lc.Merge(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, []string{"data/orders/data.parquet"}, manifest.RowGroups)

	rows, footer, err := columnar.Read(ctx, backend, manifest.RowGroups[0])
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Len(t, footer.RowGroups, 3)
}

func TestFlushPendingToCommittedMergesTwoBatches(t *testing.T) {
	ctx := context.Background()
	lc, backend := newTestLifecycle(t)

	postRows := func(prefix string, n int) []columnar.Row {
		rows := make([]columnar.Row, 0, n)
		for i := 0; i < n; i++ {
			rows = append(rows, columnar.Row{
				EntityID: fmt.Sprintf("%s%d", prefix, i),
				Version:  1,
				Document: map[string]any{"title": prefix},
			})
		}
		return rows
	}

	_, err := lc.WriteBulk(ctx, "posts", postRows("a", 5), 1, 5)
	require.NoError(t, err)
	_, err = lc.WriteBulk(ctx, "posts", postRows("b", 7), 6, 12)
	require.NoError(t, err)

	idx, err := LoadPendingIndex(ctx, backend, "posts")
	require.NoError(t, err)
	require.Len(t, idx.Entries, 2)

	merged, err := lc.FlushPendingToCommitted(ctx, "posts")
	require.NoError(t, err)
	require.Equal(t, 12, merged)

	exists, err := backend.Exists(ctx, "data/posts/data.parquet")
	require.NoError(t, err)
	require.True(t, exists)

	rows, _, err := columnar.Read(ctx, backend, "data/posts/data.parquet")
	require.NoError(t, err)
	require.Len(t, rows, 12)

	for _, entry := range idx.Entries {
		exists, err := backend.Exists(ctx, entry.Path)
		require.NoError(t, err)
		require.False(t, exists)
	}

	second, err := lc.FlushPendingToCommitted(ctx, "posts")
	require.NoError(t, err)
	require.Equal(t, 0, second)
}

func TestFlushPendingToCommittedOnEmptyIndexReturnsZero(t *testing.T) {
	ctx := context.Background()
	lc, _ := newTestLifecycle(t)

	merged, err := lc.FlushPendingToCommitted(ctx, "posts")
	require.NoError(t, err)
	require.Equal(t, 0, merged)
}

func TestFlushPendingToCommittedLaterBatchWinsOnConflict(t *testing.T) {
	ctx := context.Background()
	lc, backend := newTestLifecycle(t)

	_, err := lc.WriteBulk(ctx, "posts", []columnar.Row{
		{EntityID: "p1", Version: 1, Document: map[string]any{"title": "first"}},
	}, 1, 1)
	require.NoError(t, err)
	_, err = lc.WriteBulk(ctx, "posts", []columnar.Row{
		{EntityID: "p1", Version: 2, Document: map[string]any{"title": "second"}},
	}, 2, 2)
	require.NoError(t, err)

	merged, err := lc.FlushPendingToCommitted(ctx, "posts")
	require.NoError(t, err)
	require.Equal(t, 1, merged)

	rows, _, err := columnar.Read(ctx, backend, "data/posts/data.parquet")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "second", rows[0].Document["title"])
}
