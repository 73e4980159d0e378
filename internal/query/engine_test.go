package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/columnar"
	"github.com/lychee-technology/parquedb/internal/rowgroup"
	"github.com/lychee-technology/parquedb/internal/storage"
)

func seedRowGroups(t *testing.T, backend storage.Backend, collection string, groups [][]columnar.Row) {
	var paths []string
	for i, rows := range groups {
		path := fmt.Sprintf("rowgroups/%s/%04d.rg", collection, i)
		_, err := columnar.Write(context.Background(), backend, path, rows)
		require.NoError(t, err)
		paths = append(paths, path)
	}
	m := rowgroup.Manifest{Collection: collection, RowGroups: paths}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), "manifest/"+collection+".json", data))
}

func TestScanAppliesFilterAndPrunesGroups(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	seedRowGroups(t, backend, "orders", [][]columnar.Row{
		{{EntityID: "o1", Version: 1, Document: map[string]any{"total": 5.0}}},
		{{EntityID: "o2", Version: 1, Document: map[string]any{"total": 50.0}}},
	})

	engine := New(backend, 4, zap.NewNop())
	results, stats, err := engine.Scan(ctx, "orders", ScanOptions{
		Filter: parquedb.Filter{Field: "total", Ops: map[string]any{"$gt": 10.0}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "o2", results[0].EntityID)
	require.Equal(t, 2, stats.RowGroupsTotal)
	require.False(t, stats.TerminatedEarly)
}

func TestScanSkipsDeletedRows(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	seedRowGroups(t, backend, "orders", [][]columnar.Row{
		{
			{EntityID: "o1", Version: 1, Document: map[string]any{"total": 5.0}},
			{EntityID: "o2", Version: 2, Deleted: true, Document: map[string]any{"total": 5.0}},
		},
	})

	engine := New(backend, 2, zap.NewNop())
	results, _, err := engine.Scan(ctx, "orders", ScanOptions{Filter: parquedb.Filter{Field: "total", Ops: map[string]any{"$gte": 0.0}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "o1", results[0].EntityID)
}

func TestScanRespectsLimit(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	seedRowGroups(t, backend, "orders", [][]columnar.Row{
		{
			{EntityID: "o1", Version: 1, Document: map[string]any{"total": 5.0}},
			{EntityID: "o2", Version: 1, Document: map[string]any{"total": 6.0}},
			{EntityID: "o3", Version: 1, Document: map[string]any{"total": 7.0}},
		},
	})

	engine := New(backend, 2, zap.NewNop())
	results, stats, err := engine.Scan(ctx, "orders", ScanOptions{
		Filter: parquedb.Filter{Field: "total", Ops: map[string]any{"$gte": 0.0}},
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 2, stats.RowsYielded)
}

func TestScanTerminatesEarlyOnceLimitSatisfied(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	seedRowGroups(t, backend, "orders", [][]columnar.Row{
		{{EntityID: "o1", Version: 1, Document: map[string]any{"total": 5.0}}},
		{{EntityID: "o2", Version: 1, Document: map[string]any{"total": 6.0}}},
		{{EntityID: "o3", Version: 1, Document: map[string]any{"total": 7.0}}},
	})

	engine := New(backend, 1, zap.NewNop())
	results, stats, err := engine.Scan(ctx, "orders", ScanOptions{
		Filter: parquedb.Filter{Field: "total", Ops: map[string]any{"$gte": 0.0}},
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, stats.TerminatedEarly)
	require.Equal(t, 1, stats.RowGroupsRead)
	require.Less(t, stats.RowGroupsRead, stats.RowGroupsTotal)
}

func TestScanSortDisablesEarlyTermination(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	seedRowGroups(t, backend, "orders", [][]columnar.Row{
		{{EntityID: "o1", Version: 1, Document: map[string]any{"total": 5.0}}},
		{{EntityID: "o2", Version: 1, Document: map[string]any{"total": 6.0}}},
		{{EntityID: "o3", Version: 1, Document: map[string]any{"total": 7.0}}},
	})

	engine := New(backend, 1, zap.NewNop())
	results, stats, err := engine.Scan(ctx, "orders", ScanOptions{
		Filter: parquedb.Filter{Field: "total", Ops: map[string]any{"$gte": 0.0}},
		Sort:   &SortSpec{Field: "total", Desc: true},
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "o3", results[0].EntityID)
	require.False(t, stats.TerminatedEarly)
	require.Equal(t, stats.RowGroupsTotal, stats.RowGroupsRead)
}

func TestCountMatchesScanResultCount(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	seedRowGroups(t, backend, "orders", [][]columnar.Row{
		{{EntityID: "o1", Version: 1, Document: map[string]any{"total": 5.0}}},
		{{EntityID: "o2", Version: 1, Document: map[string]any{"total": 50.0}}},
	})

	engine := New(backend, 2, zap.NewNop())
	count, err := engine.Count(ctx, "orders", parquedb.Filter{Field: "total", Ops: map[string]any{"$gt": 1.0}})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestGetReturnsEntityByID(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	seedRowGroups(t, backend, "orders", [][]columnar.Row{
		{{EntityID: "o1", Version: 1, Document: map[string]any{"total": 5.0}}},
		{{EntityID: "o2", Version: 2, Deleted: true, Document: map[string]any{"total": 5.0}}},
	})

	engine := New(backend, 2, zap.NewNop())
	got, err := engine.Get(ctx, "orders", "o1", GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "o1", got.EntityID)

	_, err = engine.Get(ctx, "orders", "o2", GetOptions{})
	require.Error(t, err)
	require.True(t, parquedb.IsType(err, parquedb.ErrorTypeNotFound))

	_, err = engine.Get(ctx, "orders", "missing", GetOptions{})
	require.Error(t, err)
	require.True(t, parquedb.IsType(err, parquedb.ErrorTypeNotFound))
}

func TestScanEmptyCollectionReturnsNoRows(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	engine := New(backend, 2, zap.NewNop())
	results, _, err := engine.Scan(ctx, "missing", ScanOptions{})
	require.NoError(t, err)
	require.Empty(t, results)
}
