// Package storage implements the Storage Backend (§4.3): a pluggable
// interface over local disk, S3, and Postgres blob storage, so the same
// row-group and WAL segment writers work unmodified across deployments.
//
// Grounded on forma's internal/cdc/flusher.go, which stages a delta file at a
// temporary S3 key and copies it to its final key only once the write is
// complete, making the visible write atomic from a reader's perspective. That
// stage-then-copy discipline is generalized here into the Backend interface's
// Write contract, implemented by each concrete backend.
package storage

import (
	"context"
	"io"
)

// Backend is the storage contract every region (WAL segments, row-group
// files, commit objects, schema snapshots) is written through. A single Path
// addresses an object; Write must be atomic, meaning concurrent readers never
// observe a partially-written object at path.
type Backend interface {
	// Write stores data at path atomically: readers either see the object
	// in full or get a NotFound error, never a partial read.
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the full contents of the object at path.
	Read(ctx context.Context, path string) ([]byte, error)

	// ReadRange returns [offset, offset+length) of the object at path, for
	// columnar readers that only need one row group out of a file.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)

	// List returns object paths with the given prefix, lexically sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at path. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the byte length of the object at path, letting a caller
	// fetch a trailing footer via ReadRange without reading the whole object.
	Size(ctx context.Context, path string) (int64, error)
}

// Streamer is implemented by backends that can upload from a reader without
// buffering the whole object in memory first (S3 via feature/s3/manager).
type Streamer interface {
	WriteStream(ctx context.Context, path string, r io.Reader) error
}
