package merge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeUpdatesCommutativeIncSums(t *testing.T) {
	ours := map[string]any{"$inc": map[string]any{"views": 1.0}}
	theirs := map[string]any{"$inc": map[string]any{"views": 2.0}}

	res := MergeUpdates(ours, theirs, nil)
	require.Empty(t, res.Conflicts)
	require.Equal(t, 3.0, res.Merged["$inc"].(map[string]any)["views"])
}

func TestMergeUpdatesAddToSetUnions(t *testing.T) {
	ours := map[string]any{"$addToSet": map[string]any{"tags": "a"}}
	theirs := map[string]any{"$addToSet": map[string]any{"tags": "b"}}

	res := MergeUpdates(ours, theirs, nil)
	require.Empty(t, res.Conflicts)
	require.ElementsMatch(t, []any{"a", "b"}, res.Merged["$addToSet"].(map[string]any)["tags"])
}

func TestMergeUpdatesDisjointSetFieldsNoConflict(t *testing.T) {
	ours := map[string]any{"$set": map[string]any{"name": "a"}}
	theirs := map[string]any{"$set": map[string]any{"price": 5.0}}

	res := MergeUpdates(ours, theirs, nil)
	require.Empty(t, res.Conflicts)
	require.Equal(t, "a", res.Merged["$set"].(map[string]any)["name"])
	require.Equal(t, 5.0, res.Merged["$set"].(map[string]any)["price"])
}

func TestMergeUpdatesSameFieldConflict(t *testing.T) {
	ours := map[string]any{"$set": map[string]any{"name": "a"}}
	theirs := map[string]any{"$set": map[string]any{"name": "b"}}

	res := MergeUpdates(ours, theirs, nil)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "name", res.Conflicts[0].Field)
}

func TestMergeUpdatesResolutionAppliesOurs(t *testing.T) {
	ours := map[string]any{"$set": map[string]any{"name": "a"}}
	theirs := map[string]any{"$set": map[string]any{"name": "b"}}

	res := MergeUpdates(ours, theirs, map[string]Resolution{"$set:name": ResolutionOurs})
	require.Empty(t, res.Conflicts)
	require.Equal(t, "a", res.Merged["$set"].(map[string]any)["name"])
}

func TestFindCommonAncestorLinearHistory(t *testing.T) {
	// c1 <- c2 <- c3 (ours), c2 <- c4 (theirs)
	parents := map[string][]string{
		"c4": {"c2"},
		"c3": {"c2"},
		"c2": {"c1"},
		"c1": {},
	}
	getParents := func(id string) ([]string, error) { return parents[id], nil }

	ancestor, err := FindCommonAncestor(getParents, "c3", "c4", 100)
	require.NoError(t, err)
	require.Equal(t, "c2", ancestor)
}

func TestFindCommonAncestorSameCommit(t *testing.T) {
	ancestor, err := FindCommonAncestor(func(string) ([]string, error) { return nil, nil }, "c1", "c1", 10)
	require.NoError(t, err)
	require.Equal(t, "c1", ancestor)
}
