package commitdag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New(backend, zap.NewNop())
}

func sampleOps(collection string) []parquedb.Event {
	return []parquedb.Event{
		{Collection: collection, EntityID: "e1", Type: parquedb.EventCreate, Seq: 1, Data: map[string]any{"a": 1.0}, Timestamp: time.Now()},
		{Collection: collection, EntityID: "e2", Type: parquedb.EventCreate, Seq: 2, Data: map[string]any{"a": 2.0}, Timestamp: time.Now()},
	}
}

func TestCreateCommitChainsOnParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c1, err := s.CreateCommit(ctx, "orders", "first", sampleOps("orders"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, c1.ID)
	require.Empty(t, c1.ParentID)

	head, err := s.Head(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, c1.ID, head)

	c2, err := s.CreateCommit(ctx, "orders", "second", sampleOps("orders"), nil)
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ParentID)

	head, err = s.Head(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, c2.ID, head)
}

func TestCreateCommitWithNoOpsIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c, err := s.CreateCommit(ctx, "orders", "empty", nil, nil)
	require.NoError(t, err)
	require.Empty(t, c.ID)

	head, err := s.Head(ctx, "orders")
	require.NoError(t, err)
	require.Empty(t, head)
}

func TestCommitIDIndependentOfOperationOrder(t *testing.T) {
	ops := sampleOps("orders")
	reversed := []parquedb.Event{ops[1], ops[0]}

	h1, err := computeOperationsHash(ops)
	require.NoError(t, err)
	h2, err := computeOperationsHash(reversed)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestGenerateCommitIDDeterministic(t *testing.T) {
	ts := time.Now()
	id1 := generateCommitID("msg", ts, "parent", "opshash")
	id2 := generateCommitID("msg", ts, "parent", "opshash")
	require.Equal(t, id1, id2)

	id3 := generateCommitID("other", ts, "parent", "opshash")
	require.NotEqual(t, id1, id3)
}

func TestHistoryWalksParentsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c1, err := s.CreateCommit(ctx, "orders", "first", sampleOps("orders"), nil)
	require.NoError(t, err)
	c2, err := s.CreateCommit(ctx, "orders", "second", sampleOps("orders"), nil)
	require.NoError(t, err)

	history, err := s.History(ctx, "orders", c2.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, c2.ID, history[0].ID)
	require.Equal(t, c1.ID, history[1].ID)
}

func TestGetCommitMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetCommit(ctx, "orders", "deadbeef")
	require.Error(t, err)
	require.True(t, parquedb.IsType(err, parquedb.ErrorTypeNotFound))
}
