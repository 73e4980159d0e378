// Package relationship implements the Relationship Store (§4.4): forward and
// reverse edge bookkeeping between entities, with match metadata (matchMode,
// similarity) shredded out of the edge's variant blob into dedicated columns
// so predicates over that metadata can be pushed down instead of
// deserializing every edge.
//
// Grounded on forma's internal/relation_index.go (dot-path/$ref parsing and
// StripComputedFields), extended with the edge store and metadata shredding
// the spec requires.
package relationship

import (
	"strings"
	"sync"
)

// Descriptor describes a field on a child collection that holds a reference
// to a parent collection (§3 "Relationship edge").
type Descriptor struct {
	ChildCollection  string
	ChildField       string
	TargetCollection string
	Array            bool
}

// Edge is one materialized relationship between two entities, with its
// shredded metadata columns.
type Edge struct {
	SourceCollection string
	SourceID         string
	SourceField      string
	TargetCollection string
	TargetID         string

	// Shredded metadata, pulled out of the edge's variant blob for pushdown.
	MatchMode  string  // "exact", "fuzzy", "manual", ...
	Similarity float64 // 0..1 confidence for fuzzy matches
}

func forwardKey(collection, id string) string { return collection + "/" + id }
func reverseKey(collection, id string) string { return collection + "/" + id }

// Store holds forward and reverse edges in memory, mirroring the teacher's
// forward/reverse edge files as two independently-queryable indexes over the
// same edge set.
type Store struct {
	mu      sync.RWMutex
	forward map[string][]Edge
	reverse map[string][]Edge
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		forward: make(map[string][]Edge),
		reverse: make(map[string][]Edge),
	}
}

// Put records an edge, indexing it on both sides.
func (s *Store) Put(e Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fk := forwardKey(e.SourceCollection, e.SourceID)
	rk := reverseKey(e.TargetCollection, e.TargetID)
	s.forward[fk] = append(s.forward[fk], e)
	s.reverse[rk] = append(s.reverse[rk], e)
}

// Forward returns edges originating at (collection, id).
func (s *Store) Forward(collection, id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge(nil), s.forward[forwardKey(collection, id)]...)
}

// Reverse returns edges pointing at (collection, id) — back-references.
func (s *Store) Reverse(collection, id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge(nil), s.reverse[reverseKey(collection, id)]...)
}

// RemoveSource drops all edges originating at (collection, id), e.g. on
// entity delete, keeping both indexes consistent.
func (s *Store) RemoveSource(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fk := forwardKey(collection, id)
	edges := s.forward[fk]
	delete(s.forward, fk)
	for _, e := range edges {
		rk := reverseKey(e.TargetCollection, e.TargetID)
		s.reverse[rk] = removeEdge(s.reverse[rk], e)
	}
}

func removeEdge(edges []Edge, target Edge) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.SourceCollection == target.SourceCollection && e.SourceID == target.SourceID && e.SourceField == target.SourceField {
			continue
		}
		out = append(out, e)
	}
	return append([]Edge{}, out...)
}

// Index maps each child collection to the relationship descriptors derived
// from its schema, used to extract edges from documents as they're written.
type Index struct {
	byCollection map[string][]Descriptor
}

// NewIndex builds an Index from a flat descriptor list.
func NewIndex(descriptors []Descriptor) *Index {
	idx := &Index{byCollection: make(map[string][]Descriptor)}
	for _, d := range descriptors {
		idx.byCollection[d.ChildCollection] = append(idx.byCollection[d.ChildCollection], d)
	}
	return idx
}

// ExtractEdges walks doc according to the collection's descriptors and
// produces the Edge set to persist into the Store. Matching metadata, when
// present alongside the reference as "<field>_meta": {"match_mode": ...,
// "similarity": ...}, is shredded into the Edge's dedicated columns.
func (idx *Index) ExtractEdges(collection, id string, doc map[string]any) []Edge {
	var edges []Edge
	for _, d := range idx.byCollection[collection] {
		v, ok := doc[d.ChildField]
		if !ok {
			continue
		}
		meta, _ := doc[d.ChildField+"_meta"].(map[string]any)
		if d.Array {
			arr, ok := v.([]any)
			if !ok {
				continue
			}
			for _, item := range arr {
				if targetID, ok := item.(string); ok {
					edges = append(edges, buildEdge(collection, id, d, targetID, meta))
				}
			}
			continue
		}
		if targetID, ok := v.(string); ok {
			edges = append(edges, buildEdge(collection, id, d, targetID, meta))
		}
	}
	return edges
}

func buildEdge(collection, id string, d Descriptor, targetID string, meta map[string]any) Edge {
	e := Edge{
		SourceCollection: collection,
		SourceID:         id,
		SourceField:      d.ChildField,
		TargetCollection: d.TargetCollection,
		TargetID:         targetID,
	}
	if meta != nil {
		if mm, ok := meta["match_mode"].(string); ok {
			e.MatchMode = mm
		}
		if sim, ok := meta["similarity"].(float64); ok {
			e.Similarity = sim
		}
	}
	return e
}

// StripComputedFields removes relation-backed fields from doc before
// persistence: those values are derived from the Edge set, not stored inline.
func (idx *Index) StripComputedFields(collection string, doc map[string]any) map[string]any {
	descriptors := idx.byCollection[collection]
	if len(descriptors) == 0 {
		return doc
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if isRelationField(descriptors, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isRelationField(descriptors []Descriptor, field string) bool {
	base := strings.TrimSuffix(field, "_meta")
	for _, d := range descriptors {
		if d.ChildField == base {
			return true
		}
	}
	return false
}
