package columnar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

func sampleRows() []Row {
	return []Row{
		{EntityID: "o1", Version: 1, Document: map[string]any{"total": 9.5, "status": "open"}},
		{EntityID: "o2", Version: 1, Document: map[string]any{"total": 42.0, "status": "closed"}},
		{EntityID: "o3", Version: 2, Deleted: true, Document: map[string]any{"total": 3.0}},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	footer, err := Write(ctx, backend, "rowgroups/orders/0001.rg", sampleRows())
	require.NoError(t, err)
	require.Equal(t, 3, footer.RowCount)
	require.Equal(t, 3.0, footer.Stats["total"].Min)
	require.Equal(t, 42.0, footer.Stats["total"].Max)

	rows, readFooter, err := Read(ctx, backend, "rowgroups/orders/0001.rg")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, footer.RowCount, readFooter.RowCount)
	require.Equal(t, "o2", rows[1].EntityID)
	require.Equal(t, "closed", rows[1].Document["status"])
	require.True(t, rows[2].Deleted)
}

func TestReadFooterWithoutFullBody(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = Write(ctx, backend, "rowgroups/orders/0001.rg", sampleRows())
	require.NoError(t, err)

	size, err := backend.Size(ctx, "rowgroups/orders/0001.rg")
	require.NoError(t, err)

	footer, err := ReadFooter(ctx, backend, "rowgroups/orders/0001.rg", size)
	require.NoError(t, err)
	require.Equal(t, 3, footer.RowCount)
}

func TestMayMatchSkipsOutOfRangeGroup(t *testing.T) {
	footer := Footer{
		Stats: map[string]ColumnStats{
			"total": {Min: 1.0, Max: 10.0},
		},
	}
	require.True(t, MayMatch(footer, parquedb.Filter{Field: "total", Ops: map[string]any{"$gt": 5.0}}))
	require.False(t, MayMatch(footer, parquedb.Filter{Field: "total", Ops: map[string]any{"$gt": 20.0}}))
	require.False(t, MayMatch(footer, parquedb.Filter{Field: "total", Ops: map[string]any{"$lt": 0.5}}))
}

func TestMayMatchCompositeFilter(t *testing.T) {
	footer := Footer{
		Stats: map[string]ColumnStats{
			"total": {Min: 1.0, Max: 10.0},
		},
	}
	f := parquedb.And(
		parquedb.Filter{Field: "total", Ops: map[string]any{"$gte": 1.0}},
		parquedb.Filter{Field: "total", Ops: map[string]any{"$gt": 20.0}},
	)
	require.False(t, MayMatch(footer, f))
}
