package relationship

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreForwardAndReverse(t *testing.T) {
	s := New()
	s.Put(Edge{SourceCollection: "orders", SourceID: "o1", SourceField: "customer", TargetCollection: "customers", TargetID: "c1"})

	fwd := s.Forward("orders", "o1")
	require.Len(t, fwd, 1)
	require.Equal(t, "c1", fwd[0].TargetID)

	rev := s.Reverse("customers", "c1")
	require.Len(t, rev, 1)
	require.Equal(t, "o1", rev[0].SourceID)
}

func TestStoreRemoveSourceClearsReverse(t *testing.T) {
	s := New()
	s.Put(Edge{SourceCollection: "orders", SourceID: "o1", SourceField: "customer", TargetCollection: "customers", TargetID: "c1"})
	s.RemoveSource("orders", "o1")

	require.Empty(t, s.Forward("orders", "o1"))
	require.Empty(t, s.Reverse("customers", "c1"))
}

func TestIndexExtractEdgesWithShreddedMetadata(t *testing.T) {
	idx := NewIndex([]Descriptor{
		{ChildCollection: "orders", ChildField: "customer", TargetCollection: "customers"},
	})
	doc := map[string]any{
		"customer":      "c1",
		"customer_meta": map[string]any{"match_mode": "fuzzy", "similarity": 0.87},
	}
	edges := idx.ExtractEdges("orders", "o1", doc)
	require.Len(t, edges, 1)
	require.Equal(t, "fuzzy", edges[0].MatchMode)
	require.Equal(t, 0.87, edges[0].Similarity)
}

func TestIndexExtractEdgesArray(t *testing.T) {
	idx := NewIndex([]Descriptor{
		{ChildCollection: "orders", ChildField: "items", TargetCollection: "products", Array: true},
	})
	doc := map[string]any{"items": []any{"p1", "p2"}}
	edges := idx.ExtractEdges("orders", "o1", doc)
	require.Len(t, edges, 2)
}

func TestStripComputedFieldsRoundTrip(t *testing.T) {
	idx := NewIndex([]Descriptor{
		{ChildCollection: "orders", ChildField: "customer", TargetCollection: "customers"},
	})
	doc := map[string]any{
		"customer":      "c1",
		"customer_meta": map[string]any{"match_mode": "exact"},
		"total":         9.5,
	}
	stripped := idx.StripComputedFields("orders", doc)
	require.Equal(t, map[string]any{"total": 9.5}, stripped)
}
