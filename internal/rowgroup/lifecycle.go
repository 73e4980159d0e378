package rowgroup

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/columnar"
	"github.com/lychee-technology/parquedb/internal/storage"
	"github.com/lychee-technology/parquedb/internal/wal"
)

// Lifecycle owns the pending-to-merged transition for one namespace (§4.7):
// staging bulk writes as pending row-group files that are durable
// immediately, then folding them into the namespace's single merged
// data.parquet without rewriting it on every batch.
type Lifecycle struct {
	backend      storage.Backend
	maxRowsPerRG int
	logger       *zap.Logger
}

// New creates a Lifecycle whose merged data.parquet partitions rows into
// row groups of at most maxRowsPerRG each (§4.7's row-group sizing target).
func New(backend storage.Backend, maxRowsPerRG int, logger *zap.Logger) *Lifecycle {
	if maxRowsPerRG <= 0 {
		maxRowsPerRG = 131072
	}
	return &Lifecycle{backend: backend, maxRowsPerRG: maxRowsPerRG, logger: logger}
}

type entity struct {
	Version int64
	Deleted bool
	Doc     map[string]any
}

// WriteBulk stages rows as a new pending batch at
// data/<namespace>/pending/<batchId>.parquet and records it in the
// namespace's pending-group index (§4.7 "Pending path"), durable
// immediately without touching the namespace's committed data.parquet.
func (l *Lifecycle) WriteBulk(ctx context.Context, namespace string, rows []columnar.Row, firstSeq, lastSeq uint64) (PendingEntry, error) {
	if len(rows) == 0 {
		return PendingEntry{}, parquedb.NewInvariantError("cannot stage an empty pending batch")
	}

	idx, err := LoadPendingIndex(ctx, l.backend, namespace)
	if err != nil {
		return PendingEntry{}, err
	}

	batchID := fmt.Sprintf("%012d", idx.NextBatch)
	path := pendingFilePath(namespace, batchID)
	if _, err := columnar.WriteWithOptions(ctx, l.backend, path, rows, columnar.WriteOptions{RowGroupSize: l.maxRowsPerRG}); err != nil {
		return PendingEntry{}, err
	}

	entry := PendingEntry{
		BatchID:   batchID,
		Namespace: namespace,
		Path:      path,
		RowCount:  len(rows),
		FirstSeq:  firstSeq,
		LastSeq:   lastSeq,
		CreatedAt: timeNow(),
	}
	idx.Namespace = namespace
	idx.NextBatch++
	idx.Entries = append(idx.Entries, entry)
	if err := savePendingIndex(ctx, l.backend, idx); err != nil {
		return PendingEntry{}, err
	}
	return entry, nil
}

// FlushPendingToCommitted implements flushPendingToCommitted(ns) (§4.7
// Merge contract): it loads existing committed rows, folds every staged
// pending batch on top of them in FirstSeq order (later pending rows
// winning over earlier ones and over the existing committed row for the
// same entity), atomically replaces data.parquet, deletes the pending
// files, and clears the index. Returns the number of merged entities, 0
// when the pending index was already empty.
func (l *Lifecycle) FlushPendingToCommitted(ctx context.Context, namespace string) (int, error) {
	idx, err := LoadPendingIndex(ctx, l.backend, namespace)
	if err != nil {
		return 0, err
	}
	if len(idx.Entries) == 0 {
		return 0, nil
	}
	sort.Slice(idx.Entries, func(i, j int) bool { return idx.Entries[i].FirstSeq < idx.Entries[j].FirstSeq })

	state, err := l.loadCommittedState(ctx, namespace)
	if err != nil {
		return 0, err
	}
	for _, entry := range idx.Entries {
		rows, _, err := columnar.Read(ctx, l.backend, entry.Path)
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			state[row.EntityID] = &entity{Version: row.Version, Deleted: row.Deleted, Doc: row.Document}
		}
	}

	if len(state) > 0 {
		path := dataPath(namespace)
		if _, err := columnar.WriteWithOptions(ctx, l.backend, path, stateToRows(state), columnar.WriteOptions{RowGroupSize: l.maxRowsPerRG}); err != nil {
			return 0, err
		}
		if err := saveManifest(ctx, l.backend, Manifest{Collection: namespace, RowGroups: []string{path}}); err != nil {
			return 0, err
		}
	}

	// Ordered so a crash after the merged file lands but before the
	// pending files/index are cleared just re-merges the same (idempotent)
	// input on retry, rather than losing data (§4.7 Crash safety).
	for _, entry := range idx.Entries {
		if err := l.backend.Delete(ctx, entry.Path); err != nil {
			l.logger.Sugar().Warnw("failed to delete merged pending file", "path", entry.Path, "err", err)
		}
	}
	if err := savePendingIndex(ctx, l.backend, PendingIndex{Namespace: namespace, NextBatch: idx.NextBatch}); err != nil {
		return 0, err
	}

	l.logger.Sugar().Infow("pending batches flushed to committed",
		"namespace", namespace, "batches", len(idx.Entries), "entities", len(state))
	return len(state), nil
}

func (l *Lifecycle) loadCommittedState(ctx context.Context, namespace string) (map[string]*entity, error) {
	state := make(map[string]*entity)
	path := dataPath(namespace)
	exists, err := l.backend.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return state, nil
	}
	rows, _, err := columnar.Read(ctx, l.backend, path)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		state[row.EntityID] = &entity{Version: row.Version, Deleted: row.Deleted, Doc: row.Document}
	}
	return state, nil
}

func stateToRows(state map[string]*entity) []columnar.Row {
	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]columnar.Row, 0, len(ids))
	for _, id := range ids {
		e := state[id]
		rows = append(rows, columnar.Row{EntityID: id, Version: e.Version, Deleted: e.Deleted, Document: e.Doc})
	}
	return rows
}

// Merge folds every event currently buffered in namespace's WAL into a
// single pending batch, flushes it straight into the committed
// data.parquet, and only then truncates the WAL. If a crash happens after
// the pending batch is written but before the WAL is truncated, the next
// Merge call replays the same WAL segments and produces an equivalent
// pending batch, since folding is idempotent with respect to events'
// monotonic Seq.
func (l *Lifecycle) Merge(ctx context.Context, namespace string) (Manifest, error) {
	events, err := wal.ReadAll(ctx, l.backend, namespace)
	if err != nil {
		return Manifest{}, err
	}
	if len(events) == 0 {
		return LoadManifest(ctx, l.backend, namespace)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	state, err := l.loadCommittedState(ctx, namespace)
	if err != nil {
		return Manifest{}, err
	}
	for _, ev := range events {
		if err := applyEvent(state, ev); err != nil {
			return Manifest{}, err
		}
	}

	if _, err := l.WriteBulk(ctx, namespace, stateToRows(state), events[0].Seq, events[len(events)-1].Seq); err != nil {
		return Manifest{}, err
	}
	if _, err := l.FlushPendingToCommitted(ctx, namespace); err != nil {
		return Manifest{}, err
	}

	if err := wal.Truncate(ctx, l.backend, namespace); err != nil {
		l.logger.Sugar().Warnw("failed to truncate wal after merge", "namespace", namespace, "err", err)
	}

	manifest, err := LoadManifest(ctx, l.backend, namespace)
	if err != nil {
		return Manifest{}, err
	}
	l.logger.Sugar().Infow("row group merge completed", "namespace", namespace, "events", len(events))
	return manifest, nil
}

func applyEvent(state map[string]*entity, ev parquedb.Event) error {
	switch ev.Type {
	case parquedb.EventCreate:
		state[ev.EntityID] = &entity{Version: 1, Doc: cloneEventDoc(ev.Data)}
	case parquedb.EventUpdate:
		e, ok := state[ev.EntityID]
		if !ok || e.Deleted {
			return parquedb.NewInvariantError(fmt.Sprintf("update event for unknown or deleted entity %s", ev.EntityID))
		}
		updated, err := parquedb.ApplyUpdate(e.Doc, ev.Update)
		if err != nil {
			return err
		}
		e.Doc = updated
		e.Version++
	case parquedb.EventDelete:
		if e, ok := state[ev.EntityID]; ok {
			e.Deleted = true
			e.Version++
		} else {
			state[ev.EntityID] = &entity{Version: 1, Deleted: true, Doc: map[string]any{}}
		}
	default:
		return parquedb.NewInvariantError("unknown event type " + string(ev.Type))
	}
	return nil
}

func cloneEventDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
