// Package query implements the Query Engine (§4.8): a streaming scan
// operator over a collection's row groups that skips row groups a filter
// cannot match using their footer stats, reads the surviving row groups with
// bounded concurrency but in order, stops consuming them as soon as enough
// rows have been yielded, and reports end-of-scan statistics. It also
// implements find/get/count and hydration of relationship-backed fields via
// the batch loader.
//
// Grounded on forma's internal/queryoptimizer/optimizer.go, whose
// GeneratePlan normalizes a predicate tree and decides which hot columns a
// Postgres/DuckDB pushdown query can use directly versus which need a
// fallback scan. The same normalize-then-prune shape is reimplemented here
// against columnar row-group footers instead of a SQL catalog: MayMatch
// plays the role of optimizer.go's column-pushdown check, and a row group
// that can't be pruned is streamed instead of rewritten into SQL.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/batchloader"
	"github.com/lychee-technology/parquedb/internal/columnar"
	"github.com/lychee-technology/parquedb/internal/relationship"
	"github.com/lychee-technology/parquedb/internal/rowgroup"
	"github.com/lychee-technology/parquedb/internal/storage"
	"github.com/lychee-technology/parquedb/internal/telemetry"
)

// Engine scans collections stored as row groups behind a storage.Backend.
type Engine struct {
	backend       storage.Backend
	parallelism   int
	logger        *zap.Logger
	relationships *relationship.Store
}

// Option configures optional Engine behavior at construction time.
type Option func(*Engine)

// WithRelationships wires a relationship.Store into the Engine so Find/Get
// can resolve hydrate fields. Without one, hydrate requests are a no-op.
func WithRelationships(store *relationship.Store) Option {
	return func(e *Engine) { e.relationships = store }
}

// New creates an Engine that reads up to parallelism row groups
// concurrently per scan (§4.8's "max parallel row-group reads").
func New(backend storage.Backend, parallelism int, logger *zap.Logger, opts ...Option) *Engine {
	if parallelism <= 0 {
		parallelism = 1
	}
	e := &Engine{backend: backend, parallelism: parallelism, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is one row surviving a scan's filter, document-shaped so it can be
// handed straight back to a caller or through the batch loader for
// relationship hydration.
type Result struct {
	EntityID string
	Version  int64
	Document map[string]any
}

// SortSpec orders a Scan/Find's results by a single document field.
type SortSpec struct {
	Field string
	Desc  bool
}

// Stats reports what a scan actually touched (§4.2 step 2, §8 scenario 1):
// how many row groups existed, how many were read, how many rows were
// scanned and yielded, and whether the scan stopped before reading every
// surviving row group because its limit was satisfied.
type Stats struct {
	RowGroupsTotal  int
	RowGroupsRead   int
	RowsScanned     int
	RowsYielded     int
	TerminatedEarly bool
}

// ScanOptions bounds a Scan call; a zero Limit means unbounded. Sort, when
// set, disables early termination: the engine must read every surviving row
// group to produce a correct top-K ordering before skip/limit are applied
// (§4.2 step 3 "sort-with-limit reads all row groups").
type ScanOptions struct {
	Filter      parquedb.Filter
	Skip        int
	Limit       int
	Sort        *SortSpec
	Columns     []string
	Concurrency int
	OnStats     func(Stats)
}

// FindOptions is ScanOptions plus the fields to hydrate after the scan
// completes (§4.8 find(ns, filter?, {sort?, skip?, limit?, columns?,
// hydrate?})).
type FindOptions struct {
	Filter      parquedb.Filter
	Sort        *SortSpec
	Skip        int
	Limit       int
	Columns     []string
	Concurrency int
	Hydrate     []string
}

// GetOptions configures a single-entity lookup (§4.8 get(ns, id,
// {maxInbound?, hydrate?})).
type GetOptions struct {
	// MaxInbound bounds how many reverse-edge references are attached under
	// "_inbound" on the result; 0 means none are attached.
	MaxInbound int
	Hydrate    []string
}

// rowGroupRef is one row group that survived filter pruning, resolved down
// to the exact byte range ReadRowGroup needs.
type rowGroupRef struct {
	path   string
	index  int
	footer columnar.Footer
}

// resolvePaths returns every row-group file path a query over collection
// must consider: the merged region first, then any bulk-write batches still
// staged in the pending region, in the order flushPendingToCommitted would
// fold them (§4.8 Execution: "pending files after merged ones").
func (e *Engine) resolvePaths(ctx context.Context, collection string) ([]string, error) {
	manifest, err := rowgroup.LoadManifest(ctx, e.backend, collection)
	if err != nil {
		return nil, err
	}
	paths := append([]string{}, manifest.RowGroups...)
	sort.Strings(paths)

	pending, err := rowgroup.LoadPendingIndex(ctx, e.backend, collection)
	if err != nil {
		return nil, err
	}
	sort.Slice(pending.Entries, func(i, j int) bool { return pending.Entries[i].FirstSeq < pending.Entries[j].FirstSeq })
	for _, entry := range pending.Entries {
		paths = append(paths, entry.Path)
	}
	return paths, nil
}

// Scan streams every non-deleted row in collection matching opts.Filter,
// stopping early once enough rows have been yielded (unless opts.Sort is
// set) even if row groups later in the merged/pending regions are never
// read.
func (e *Engine) Scan(ctx context.Context, collection string, opts ScanOptions) ([]Result, Stats, error) {
	start := time.Now()
	paths, err := e.resolvePaths(ctx, collection)
	if err != nil {
		return nil, Stats{}, err
	}
	if len(paths) == 0 {
		return nil, Stats{}, nil
	}

	all, err := e.planRowGroups(ctx, paths, parquedb.Filter{})
	if err != nil {
		return nil, Stats{}, err
	}
	var refs []rowGroupRef
	for _, ref := range all {
		if columnar.MayMatch(ref.footer, opts.Filter) && columnar.RowGroupMayMatch(ref.footer.RowGroups[ref.index], opts.Filter) {
			refs = append(refs, ref)
		}
	}

	readColumns := readColumnsFor(opts.Columns, opts.Filter, opts.Sort)

	var results []Result
	var stats Stats
	if opts.Sort != nil {
		results, stats, err = e.scanSorted(ctx, refs, opts, readColumns)
	} else {
		results, stats, err = e.scanStreaming(ctx, refs, opts, readColumns)
	}
	if err != nil {
		return nil, Stats{}, err
	}
	stats.RowGroupsTotal = len(all)

	if len(opts.Columns) > 0 {
		for i := range results {
			results[i].Document = projectResult(results[i].Document, opts.Columns)
		}
	}

	telemetry.EmitRowGroupsScanned(ctx, collection, stats.RowGroupsRead, stats.RowGroupsTotal)
	telemetry.EmitQueryLatency(ctx, "scan:"+collection, time.Since(start).Milliseconds())
	if opts.OnStats != nil {
		opts.OnStats(stats)
	}
	return results, stats, nil
}

// Find is Scan followed by hydration of opts.Hydrate fields.
func (e *Engine) Find(ctx context.Context, collection string, opts FindOptions) ([]Result, Stats, error) {
	results, stats, err := e.Scan(ctx, collection, ScanOptions{
		Filter:      opts.Filter,
		Sort:        opts.Sort,
		Skip:        opts.Skip,
		Limit:       opts.Limit,
		Columns:     opts.Columns,
		Concurrency: opts.Concurrency,
	})
	if err != nil {
		return nil, Stats{}, err
	}
	if len(opts.Hydrate) == 0 {
		return results, stats, nil
	}
	ptrs := make([]*Result, len(results))
	for i := range results {
		ptrs[i] = &results[i]
	}
	if err := e.Hydrate(ctx, collection, ptrs, opts.Hydrate); err != nil {
		return nil, Stats{}, err
	}
	return results, stats, nil
}

// Count reports how many non-deleted rows in collection match filter,
// pruning row groups the same way Scan does but never materializing
// documents into a result slice.
func (e *Engine) Count(ctx context.Context, collection string, filter parquedb.Filter) (int, error) {
	paths, err := e.resolvePaths(ctx, collection)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, nil
	}

	refs, err := e.planRowGroups(ctx, paths, filter)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, ref := range refs {
		rows, err := columnar.ReadRowGroup(ctx, e.backend, ref.path, ref.footer, ref.index, nil)
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			if row.Deleted {
				continue
			}
			ok, err := parquedb.Evaluate(row.Document, filter)
			if err != nil {
				return 0, err
			}
			if ok {
				count++
			}
		}
	}
	return count, nil
}

// Get fetches a single entity by id, pruning row groups via the
// "__entity_id" column stats every row group already carries. It returns a
// NotFound error if the entity is absent or its last surviving event was a
// delete.
func (e *Engine) Get(ctx context.Context, collection, id string, opts GetOptions) (*Result, error) {
	paths, err := e.resolvePaths(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, parquedb.NewNotFoundError(collection, id)
	}

	idFilter := parquedb.Filter{Field: "__entity_id", Ops: map[string]any{"$eq": id}}
	refs, err := e.planRowGroups(ctx, paths, idFilter)
	if err != nil {
		return nil, err
	}

	var found *Result
	for _, ref := range refs {
		rows, err := columnar.ReadRowGroup(ctx, e.backend, ref.path, ref.footer, ref.index, nil)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.EntityID != id {
				continue
			}
			if row.Deleted {
				found = nil
				continue
			}
			r := Result{EntityID: row.EntityID, Version: row.Version, Document: row.Document}
			found = &r
		}
	}
	if found == nil {
		return nil, parquedb.NewNotFoundError(collection, id)
	}

	if opts.MaxInbound > 0 && e.relationships != nil {
		inbound := e.relationships.Reverse(collection, id)
		if len(inbound) > opts.MaxInbound {
			inbound = inbound[:opts.MaxInbound]
		}
		if len(inbound) > 0 {
			found.Document["_inbound"] = inbound
		}
	}
	if len(opts.Hydrate) > 0 {
		if err := e.Hydrate(ctx, collection, []*Result{found}, opts.Hydrate); err != nil {
			return nil, err
		}
	}
	return found, nil
}

const maxHydrateDepth = 8

// Hydrate resolves each dot-separated hydrate path (e.g. "author" or
// "author.posts") against results' relationship edges, fetching targets
// through a single coalesced batch-loader call per target collection per
// path segment. Circular paths terminate via a per-result visited set
// (collection/id) and a hard depth cap (§4.8 Hydration).
func (e *Engine) Hydrate(ctx context.Context, collection string, results []*Result, fields []string) error {
	if e.relationships == nil || len(results) == 0 || len(fields) == 0 {
		return nil
	}
	for _, field := range fields {
		segments := strings.Split(field, ".")
		for _, r := range results {
			if r.Document == nil {
				continue
			}
			visited := map[string]bool{collection + "/" + r.EntityID: true}
			if err := e.hydratePath(ctx, collection, r.Document, r.EntityID, segments, visited, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) hydratePath(ctx context.Context, collection string, doc map[string]any, entityID string, segments []string, visited map[string]bool, depth int) error {
	if depth >= maxHydrateDepth || len(segments) == 0 {
		return nil
	}
	field := segments[0]

	var matched []relationship.Edge
	for _, edge := range e.relationships.Forward(collection, entityID) {
		if edge.SourceField == field {
			matched = append(matched, edge)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	byTarget := make(map[string][]relationship.Edge)
	for _, edge := range matched {
		byTarget[edge.TargetCollection] = append(byTarget[edge.TargetCollection], edge)
	}

	var resolved []any
	for targetCollection, edges := range byTarget {
		keys := make([]string, 0, len(edges))
		for _, edge := range edges {
			if visited[targetCollection+"/"+edge.TargetID] {
				continue // cycle on this request path: stop descending here
			}
			keys = append(keys, edge.TargetID)
		}
		if len(keys) == 0 {
			continue
		}

		loader := batchloader.New(e.fetchBatch(targetCollection), 2*time.Millisecond, len(keys))
		docs, err := loader.LoadMany(ctx, keys)
		if err != nil {
			return err
		}
		for _, id := range keys {
			targetDoc, _ := docs[id].(map[string]any)
			if targetDoc == nil {
				continue
			}
			if len(segments) > 1 {
				childVisited := make(map[string]bool, len(visited)+1)
				for k := range visited {
					childVisited[k] = true
				}
				childVisited[targetCollection+"/"+id] = true
				if err := e.hydratePath(ctx, targetCollection, targetDoc, id, segments[1:], childVisited, depth+1); err != nil {
					return err
				}
			}
			resolved = append(resolved, targetDoc)
		}
	}

	switch len(resolved) {
	case 0:
	case 1:
		doc[field] = resolved[0]
	default:
		doc[field] = resolved
	}
	return nil
}

// fetchBatch returns a batchloader.BatchFunc that resolves entity ids in
// collection through a single scan ($in over "__entity_id"; stats pruning
// does not act on $in, so every row group of the collection is read), so
// concurrent Hydrate calls against the same target collection coalesce into
// one storage round trip per row group instead of one per entity.
func (e *Engine) fetchBatch(collection string) batchloader.BatchFunc {
	return func(ctx context.Context, keys []string) (map[string]any, error) {
		out := make(map[string]any, len(keys))
		paths, err := e.resolvePaths(ctx, collection)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return out, nil
		}

		ids := make([]any, len(keys))
		want := make(map[string]bool, len(keys))
		for i, k := range keys {
			ids[i] = k
			want[k] = true
		}
		filter := parquedb.Filter{Field: "__entity_id", Ops: map[string]any{"$in": ids}}
		refs, err := e.planRowGroups(ctx, paths, filter)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			rows, err := columnar.ReadRowGroup(ctx, e.backend, ref.path, ref.footer, ref.index, nil)
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				if !want[row.EntityID] {
					continue
				}
				if row.Deleted {
					delete(out, row.EntityID)
					continue
				}
				out[row.EntityID] = row.Document
			}
		}
		return out, nil
	}
}

// planRowGroups resolves the row groups across paths that survive filter
// pruning at both the whole-file level (footer.Stats) and the individual
// row-group level (each RowGroupMeta's own stats), preserving manifest
// order.
func (e *Engine) planRowGroups(ctx context.Context, paths []string, filter parquedb.Filter) ([]rowGroupRef, error) {
	var refs []rowGroupRef
	for _, path := range paths {
		size, err := e.backend.Size(ctx, path)
		if err != nil {
			return nil, err
		}
		footer, err := columnar.ReadFooter(ctx, e.backend, path, size)
		if err != nil {
			return nil, err
		}
		if !columnar.MayMatch(footer, filter) {
			continue
		}
		for i, rg := range footer.RowGroups {
			if columnar.RowGroupMayMatch(rg, filter) {
				refs = append(refs, rowGroupRef{path: path, index: i, footer: footer})
			}
		}
	}
	return refs, nil
}

// scanStreaming reads refs with up to opts.Concurrency reads in flight,
// emitting matches in row-group order, and stops issuing new reads as soon
// as opts.Skip+opts.Limit matching rows have been produced.
func (e *Engine) scanStreaming(ctx context.Context, refs []rowGroupRef, opts ScanOptions, readColumns []string) ([]Result, Stats, error) {
	stats := Stats{RowGroupsTotal: len(refs)}
	if len(refs) == 0 {
		return nil, stats, nil
	}

	concurrency := e.parallelism
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}

	type outcome struct {
		rows []columnar.Row
		err  error
	}
	pending := make([]chan outcome, len(refs))
	for i := range pending {
		pending[i] = make(chan outcome, 1)
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	go func() {
		for i, ref := range refs {
			select {
			case <-readCtx.Done():
				return
			case sem <- struct{}{}:
			}
			i, ref := i, ref
			go func() {
				defer func() { <-sem }()
				rows, err := columnar.ReadRowGroup(readCtx, e.backend, ref.path, ref.footer, ref.index, readColumns)
				pending[i] <- outcome{rows: rows, err: err}
			}()
		}
	}()

	var results []Result
	matched := 0
	for i := range refs {
		o := <-pending[i]
		if o.err != nil {
			return nil, Stats{}, o.err
		}
		stats.RowGroupsRead++

		stop := false
		for _, row := range o.rows {
			stats.RowsScanned++
			if row.Deleted {
				continue
			}
			ok, err := parquedb.Evaluate(row.Document, opts.Filter)
			if err != nil {
				return nil, Stats{}, err
			}
			if !ok {
				continue
			}
			matched++
			if matched <= opts.Skip {
				continue
			}
			results = append(results, Result{EntityID: row.EntityID, Version: row.Version, Document: row.Document})
			stats.RowsYielded++
			if opts.Limit > 0 && stats.RowsYielded >= opts.Limit {
				stop = true
				break
			}
		}
		if stop {
			stats.TerminatedEarly = stats.RowGroupsRead < len(refs)
			break
		}
	}
	return results, stats, nil
}

// scanSorted reads every surviving row group (sort disables early
// termination, §4.2 step 3), orders the matches by opts.Sort, then applies
// skip/limit.
func (e *Engine) scanSorted(ctx context.Context, refs []rowGroupRef, opts ScanOptions, readColumns []string) ([]Result, Stats, error) {
	stats := Stats{RowGroupsTotal: len(refs), RowGroupsRead: len(refs)}
	var matches []Result
	for _, ref := range refs {
		rows, err := columnar.ReadRowGroup(ctx, e.backend, ref.path, ref.footer, ref.index, readColumns)
		if err != nil {
			return nil, Stats{}, err
		}
		for _, row := range rows {
			stats.RowsScanned++
			if row.Deleted {
				continue
			}
			ok, err := parquedb.Evaluate(row.Document, opts.Filter)
			if err != nil {
				return nil, Stats{}, err
			}
			if !ok {
				continue
			}
			matches = append(matches, Result{EntityID: row.EntityID, Version: row.Version, Document: row.Document})
		}
	}

	field := opts.Sort.Field
	desc := opts.Sort.Desc
	sort.SliceStable(matches, func(i, j int) bool {
		vi, _ := matches[i].Document[field]
		vj, _ := matches[j].Document[field]
		c := compareSortValues(vi, vj)
		if desc {
			return c > 0
		}
		return c < 0
	})

	if opts.Skip > 0 {
		if opts.Skip >= len(matches) {
			matches = nil
		} else {
			matches = matches[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	stats.RowsYielded = len(matches)
	return matches, stats, nil
}

func compareSortValues(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

// readColumnsFor computes the set of top-level document columns a scan must
// actually read: the caller's requested projection widened with whatever the
// filter and sort need to evaluate correctly, so projecting a column out of
// the final result never hides data the predicate depended on. An empty
// result means "read every column".
func readColumnsFor(requested []string, filter parquedb.Filter, sortSpec *SortSpec) []string {
	if len(requested) == 0 {
		return nil
	}
	set := make(map[string]bool, len(requested))
	for _, c := range requested {
		set[c] = true
	}
	for _, f := range filterFields(filter) {
		set[f] = true
	}
	if sortSpec != nil && sortSpec.Field != "" {
		set[sortSpec.Field] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func filterFields(f parquedb.Filter) []string {
	if len(f.Children) > 0 {
		var out []string
		for _, c := range f.Children {
			out = append(out, filterFields(c)...)
		}
		return out
	}
	if f.Field == "" {
		return nil
	}
	return []string{f.Field}
}

// projectResult narrows doc down to the caller's requested top-level
// columns, dropping fields that were only read to satisfy the filter/sort.
func projectResult(doc map[string]any, columns []string) map[string]any {
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		if v, ok := doc[c]; ok {
			out[c] = v
		}
	}
	return out
}
