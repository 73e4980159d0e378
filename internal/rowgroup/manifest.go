// Package rowgroup implements the Row-Group Lifecycle (§4.7): bulk writes
// land durably as pending row-group files under data/<ns>/pending/ without
// rewriting the whole namespace, and flushPendingToCommitted later folds
// them into the namespace's single merged data/<ns>/data.parquet, later
// pending rows winning over earlier ones and over the existing committed
// row for the same entity.
//
// Grounded on forma's internal/cdc/flusher.go flush-and-replace discipline
// (write the new artifact, then mark the source rows flushed) and
// internal/federated_merge.go's merge-by-key approach, adapted here from
// per-attribute EAV merging to whole-row-group replacement.
package rowgroup

import (
	"context"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

// Manifest is the durable pointer to a collection's current set of
// row-group files. After flushPendingToCommitted, that set is just the
// collection's single data.parquet path; it stays a slice so the Query
// Engine doesn't need to special-case the merged-file count.
type Manifest struct {
	Collection string    `json:"collection"`
	RowGroups  []string  `json:"row_groups"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func manifestPath(collection string) string {
	return "manifest/" + collection + ".json"
}

// PendingEntry describes one bulk-write batch staged under
// data/<ns>/pending/ and not yet folded into the namespace's committed
// data.parquet (§4.7 "Pending path").
type PendingEntry struct {
	BatchID   string    `json:"batch_id"`
	Namespace string    `json:"namespace"`
	Path      string    `json:"path"`
	RowCount  int       `json:"row_count"`
	FirstSeq  uint64    `json:"first_seq"`
	LastSeq   uint64    `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingIndex tracks a namespace's unmerged bulk-write batches. Entries are
// always kept sorted by FirstSeq, the order flushPendingToCommitted must
// read them in.
type PendingIndex struct {
	Namespace string         `json:"namespace"`
	NextBatch uint64         `json:"next_batch"`
	Entries   []PendingEntry `json:"entries"`
}

func dataPath(namespace string) string {
	return "data/" + namespace + "/data.parquet"
}

func pendingIndexPath(namespace string) string {
	return "data/" + namespace + "/pending_index.json"
}

func pendingFilePath(namespace, batchID string) string {
	return "data/" + namespace + "/pending/" + batchID + ".parquet"
}

// LoadPendingIndex returns namespace's pending-group index, or an empty one
// if no bulk write has ever staged a batch for it.
func LoadPendingIndex(ctx context.Context, backend storage.Backend, namespace string) (PendingIndex, error) {
	data, err := backend.Read(ctx, pendingIndexPath(namespace))
	if err != nil {
		if parquedb.IsType(err, parquedb.ErrorTypeNotFound) {
			return PendingIndex{Namespace: namespace}, nil
		}
		return PendingIndex{}, err
	}
	var idx PendingIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return PendingIndex{}, parquedb.NewFatalError("unmarshal pending index", err)
	}
	return idx, nil
}

func savePendingIndex(ctx context.Context, backend storage.Backend, idx PendingIndex) error {
	sort.Slice(idx.Entries, func(i, j int) bool { return idx.Entries[i].FirstSeq < idx.Entries[j].FirstSeq })
	data, err := json.Marshal(idx)
	if err != nil {
		return parquedb.NewFatalError("marshal pending index", err)
	}
	if err := backend.Write(ctx, pendingIndexPath(idx.Namespace), data); err != nil {
		return parquedb.NewUnavailableError("write pending index", err)
	}
	return nil
}

// LoadManifest returns the collection's manifest, or an empty one (no row
// groups yet) if none has been written.
func LoadManifest(ctx context.Context, backend storage.Backend, collection string) (Manifest, error) {
	data, err := backend.Read(ctx, manifestPath(collection))
	if err != nil {
		if parquedb.IsType(err, parquedb.ErrorTypeNotFound) {
			return Manifest{Collection: collection}, nil
		}
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, parquedb.NewFatalError("unmarshal manifest", err)
	}
	return m, nil
}

func saveManifest(ctx context.Context, backend storage.Backend, m Manifest) error {
	m.UpdatedAt = timeNow()
	sort.Strings(m.RowGroups)
	data, err := json.Marshal(m)
	if err != nil {
		return parquedb.NewFatalError("marshal manifest", err)
	}
	if err := backend.Write(ctx, manifestPath(m.Collection), data); err != nil {
		return parquedb.NewUnavailableError("write manifest", err)
	}
	return nil
}

// timeNow is a seam so tests can freeze manifest timestamps; production
// always uses time.Now.
var timeNow = func() time.Time { return time.Now() }
