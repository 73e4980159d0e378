package wal

import (
	"context"
	"sort"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

// ReadAll lists and decodes every segment written for namespace, in segment
// order, returning the concatenated event stream. Used by the Row-Group
// lifecycle to merge pending events into a row group.
func ReadAll(ctx context.Context, backend storage.Backend, namespace string) ([]parquedb.Event, error) {
	paths, err := backend.List(ctx, "wal/"+namespace+"/")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []parquedb.Event
	for _, path := range paths {
		data, err := backend.Read(ctx, path)
		if err != nil {
			return nil, parquedb.NewUnavailableError("read wal segment "+path, err)
		}
		events, err := DecodeSegment(data)
		if err != nil {
			return nil, parquedb.NewFatalError("decode wal segment "+path, err)
		}
		out = append(out, events...)
	}
	return out, nil
}

// Truncate removes every segment written for namespace, used once its
// events have been durably merged into a row group (§4.2's "pending region
// is safe to discard only after the merged region is durable").
func Truncate(ctx context.Context, backend storage.Backend, namespace string) error {
	paths, err := backend.List(ctx, "wal/"+namespace+"/")
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := backend.Delete(ctx, path); err != nil {
			return err
		}
	}
	return nil
}
