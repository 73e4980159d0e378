package parquedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplySetAndUnset(t *testing.T) {
	d := map[string]any{"a": 1.0}
	d, err := ApplyUpdate(d, map[string]any{
		"$set":   map[string]any{"b.c": 2.0},
		"$unset": map[string]any{"a": ""},
	})
	require.NoError(t, err)
	require.Nil(t, d["a"])
	require.Equal(t, 2.0, d["b"].(map[string]any)["c"])
}

func TestApplyIncMulMinMax(t *testing.T) {
	d := map[string]any{"n": 10.0}
	d, err := ApplyUpdate(d, map[string]any{"$inc": map[string]any{"n": 5.0}})
	require.NoError(t, err)
	require.Equal(t, 15.0, d["n"])

	d, err = ApplyUpdate(d, map[string]any{"$mul": map[string]any{"n": 2.0}})
	require.NoError(t, err)
	require.Equal(t, 30.0, d["n"])

	d, err = ApplyUpdate(d, map[string]any{"$min": map[string]any{"n": 5.0}})
	require.NoError(t, err)
	require.Equal(t, 5.0, d["n"])
}

func TestApplyPushEachSlice(t *testing.T) {
	d := map[string]any{"tags": []any{"a"}}
	d, err := ApplyUpdate(d, map[string]any{
		"$push": map[string]any{
			"tags": map[string]any{
				"$each":  []any{"b", "c"},
				"$slice": -2.0,
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []any{"b", "c"}, d["tags"])
}

func TestApplyAddToSetDedups(t *testing.T) {
	d := map[string]any{"tags": []any{"a", "b"}}
	d, err := ApplyUpdate(d, map[string]any{"$addToSet": map[string]any{"tags": "a"}})
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, d["tags"])
}

func TestApplyPullAll(t *testing.T) {
	d := map[string]any{"tags": []any{"a", "b", "c"}}
	d, err := ApplyUpdate(d, map[string]any{"$pullAll": map[string]any{"tags": []any{"b"}}})
	require.NoError(t, err)
	require.Equal(t, []any{"a", "c"}, d["tags"])
}

func TestApplyRename(t *testing.T) {
	d := map[string]any{"old": "v"}
	d, err := ApplyUpdate(d, map[string]any{"$rename": map[string]any{"old": "new"}})
	require.NoError(t, err)
	require.Equal(t, "v", d["new"])
	_, ok := d["old"]
	require.False(t, ok)
}

func TestApplyUnknownOperatorErrors(t *testing.T) {
	d := map[string]any{}
	_, err := ApplyUpdate(d, map[string]any{"$bogus": map[string]any{"a": 1.0}})
	require.Error(t, err)
}
