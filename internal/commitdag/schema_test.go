package commitdag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lychee-technology/parquedb"
)

func schemaV1() *parquedb.Schema {
	return &parquedb.Schema{
		Collection: "orders",
		Version:    1,
		Fields: map[string]*parquedb.FieldSchema{
			"total":  {Name: "total", Type: "number", Required: true},
			"status": {Name: "status", Type: "string"},
		},
	}
}

func schemaV2Breaking() *parquedb.Schema {
	return &parquedb.Schema{
		Collection: "orders",
		Version:    2,
		Fields: map[string]*parquedb.FieldSchema{
			"total": {Name: "total", Type: "number", Required: true},
		},
	}
}

func TestSchemaSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c, err := s.CreateCommit(ctx, "orders", "with schema", sampleOps("orders"), schemaV1())
	require.NoError(t, err)
	require.NotEmpty(t, c.SchemaHash)

	loaded, err := s.GetSchemaSnapshot(ctx, "orders", c.SchemaHash)
	require.NoError(t, err)
	require.Equal(t, []string{"status", "total"}, sortedFieldNames(loaded.Fields))
}

func TestSchemaSnapshotIsContentAddressedDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h1, err := s.putSchemaSnapshot(ctx, "orders", schemaV1())
	require.NoError(t, err)
	h2, err := s.putSchemaSnapshot(ctx, "orders", schemaV1())
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestSchemaAtWalksParentsToFindSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c1, err := s.CreateCommit(ctx, "orders", "with schema", sampleOps("orders"), schemaV1())
	require.NoError(t, err)

	// Second commit carries no new schema; SchemaAt must fall back to c1's.
	c2, err := s.CreateCommit(ctx, "orders", "no schema change", sampleOps("orders"), nil)
	require.NoError(t, err)
	require.Empty(t, c2.SchemaHash)

	resolved, err := s.SchemaAt(ctx, "orders", c2.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	require.Equal(t, 1, resolved.Version)
	_ = c1
}

func TestDiffBranchesReportsBreakingChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c1, err := s.CreateCommit(ctx, "orders", "v1", sampleOps("orders"), schemaV1())
	require.NoError(t, err)
	c2, err := s.CreateCommit(ctx, "orders", "v2", sampleOps("orders"), schemaV2Breaking())
	require.NoError(t, err)

	diff, err := s.DiffBranches(ctx, "orders", c1.ID, c2.ID)
	require.NoError(t, err)
	require.True(t, diff.Breaking)
	require.Contains(t, diff.Removed, "status")
}
