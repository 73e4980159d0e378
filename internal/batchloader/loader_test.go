package batchloader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoaderCoalescesConcurrentCalls(t *testing.T) {
	var calls int32
	var gotKeys [][]string
	var mu sync.Mutex

	l := New(func(ctx context.Context, keys []string) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		gotKeys = append(gotKeys, append([]string{}, keys...))
		mu.Unlock()
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = "v:" + k
		}
		return out, nil
	}, 20*time.Millisecond, 0)

	var wg sync.WaitGroup
	results := make([]any, 3)
	for i, key := range []string{"a", "b", "a"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			v, err := l.Load(context.Background(), key)
			require.NoError(t, err)
			results[i] = v
		}(i, key)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, "v:a", results[0])
	require.Equal(t, "v:b", results[1])
	require.Equal(t, "v:a", results[2])
}

func TestLoaderMaxBatchFlushesEarly(t *testing.T) {
	var calls int32
	l := New(func(ctx context.Context, keys []string) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = k
		}
		return out, nil
	}, time.Hour, 2)

	_, err := l.LoadMany(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPluralize(t *testing.T) {
	require.Equal(t, "customers", Pluralize("customer"))
	require.Equal(t, "categories", Pluralize("category"))
	require.Equal(t, "days", Pluralize("day"))
	require.Equal(t, "boxes", Pluralize("box"))
}

func TestNormalizeID(t *testing.T) {
	require.Equal(t, "c1", NormalizeID("customers", "customers:c1"))
	require.Equal(t, "c1", NormalizeID("customers", "customers_c1"))
	require.Equal(t, "c1", NormalizeID("customers", "c1"))
}
