// Package batchloader implements the Batch Loader (§4.5): a DataLoader-style
// coalescing layer that groups relationship-hydration lookups issued within a
// short time window into a single batched fetch, deduplicating repeated keys.
//
// Grounded on forma's windowed-batch pattern (formerly
// internal/entity_manager_batch.go), generalized from entity batch CRUD to a
// generic keyed batch loader used by the Query Engine to hydrate relationship
// edges without N+1 lookups.
package batchloader

import (
	"context"
	"sync"
	"time"
)

// BatchFunc fetches values for a deduplicated set of keys in one call.
type BatchFunc func(ctx context.Context, keys []string) (map[string]any, error)

// Loader coalesces Load calls issued within Wait of each other (or until
// MaxBatch keys accumulate) into one BatchFunc invocation.
type Loader struct {
	fn       BatchFunc
	wait     time.Duration
	maxBatch int

	mu  sync.Mutex
	cur *batchState
}

// New creates a Loader that batches calls to fn, flushing after wait or once
// maxBatch distinct keys have been requested, whichever comes first. A
// maxBatch of 0 means unlimited.
func New(fn BatchFunc, wait time.Duration, maxBatch int) *Loader {
	return &Loader{fn: fn, wait: wait, maxBatch: maxBatch}
}

type batchState struct {
	keys     []string
	seen     map[string]bool
	done     chan struct{}
	results  map[string]any
	err      error
	once     sync.Once
}

func newBatchState() *batchState {
	return &batchState{seen: make(map[string]bool), done: make(chan struct{})}
}

// Load requests key, coalescing with any other Load calls in flight, and
// returns the value the batch function produced for key.
func (l *Loader) Load(ctx context.Context, key string) (any, error) {
	l.mu.Lock()
	if l.cur == nil {
		l.cur = newBatchState()
		b := l.cur
		time.AfterFunc(l.wait, func() { l.dispatch(b) })
	}
	b := l.cur
	if !b.seen[key] {
		b.seen[key] = true
		b.keys = append(b.keys, key)
	}
	if l.maxBatch > 0 && len(b.keys) >= l.maxBatch {
		l.cur = nil
		go l.dispatch(b)
	}
	l.mu.Unlock()

	select {
	case <-b.done:
		if b.err != nil {
			return nil, b.err
		}
		return b.results[key], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LoadMany requests several keys at once, so they join the same pending
// batch, and waits for all of them.
func (l *Loader) LoadMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	vals := make([]any, len(keys))
	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k string) {
			defer wg.Done()
			vals[i], errs[i] = l.Load(ctx, k)
		}(i, k)
	}
	wg.Wait()
	for i, k := range keys {
		if errs[i] != nil {
			return nil, errs[i]
		}
		out[k] = vals[i]
	}
	return out, nil
}

func (l *Loader) dispatch(b *batchState) {
	b.once.Do(func() {
		l.mu.Lock()
		if l.cur == b {
			l.cur = nil
		}
		l.mu.Unlock()

		results, err := l.fn(context.Background(), b.keys)
		b.results = results
		b.err = err
		close(b.done)
	})
}
