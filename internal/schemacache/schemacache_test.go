package schemacache

import (
	"testing"

	"github.com/lychee-technology/parquedb"
	"github.com/stretchr/testify/require"
)

func TestGetLoadsOnce(t *testing.T) {
	calls := 0
	c := New(func(collection string) (*parquedb.Schema, error) {
		calls++
		return &parquedb.Schema{
			Collection: collection,
			Fields:     map[string]*parquedb.FieldSchema{"name": {Type: "string"}},
		}, nil
	})

	s1, err := c.Get("widgets")
	require.NoError(t, err)
	s2, err := c.Get("widgets")
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, calls)
}

func TestInvalidateForcesReload(t *testing.T) {
	calls := 0
	c := New(func(collection string) (*parquedb.Schema, error) {
		calls++
		return &parquedb.Schema{Collection: collection, Fields: map[string]*parquedb.FieldSchema{}}, nil
	})

	_, _ = c.Get("widgets")
	c.Invalidate("widgets")
	_, _ = c.Get("widgets")
	require.Equal(t, 2, calls)
}
