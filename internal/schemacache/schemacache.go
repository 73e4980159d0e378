// Package schemacache centralizes per-collection schema lookup and
// compilation so the Filter/Update Evaluator and Commit DAG don't recompile
// a jsonschema validator on every call. Lookups are double-checked-locked: a
// cheap read-lock hit in the common case, a write-lock compile on miss.
package schemacache

import (
	"sync"

	"github.com/lychee-technology/parquedb"
)

// Loader fetches the current schema for a collection, e.g. from the latest
// commit's embedded schema snapshot.
type Loader func(collection string) (*parquedb.Schema, error)

// Cache caches compiled schemas keyed by collection name; a new schema
// version is picked up only after Invalidate.
type Cache struct {
	load Loader

	mu      sync.RWMutex
	byKey   map[string]*parquedb.Schema
}

// New creates a Cache backed by load.
func New(load Loader) *Cache {
	return &Cache{load: load, byKey: make(map[string]*parquedb.Schema)}
}

// Get returns the compiled schema for collection, loading and compiling it
// on first use.
func (c *Cache) Get(collection string) (*parquedb.Schema, error) {
	c.mu.RLock()
	if s, ok := c.byKey[collection]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// re-check: another goroutine may have populated it while we waited for the write lock.
	if s, ok := c.byKey[collection]; ok {
		return s, nil
	}

	s, err := c.load(collection)
	if err != nil {
		return nil, err
	}
	if err := s.Compile(); err != nil {
		return nil, err
	}
	c.byKey[collection] = s
	return s, nil
}

// Invalidate drops a cached schema, forcing the next Get to reload it (used
// after a schema-changing commit lands on the collection's ref).
func (c *Cache) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, collection)
}
