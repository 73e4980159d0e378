package columnar

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

// ReadFooter fetches just the trailing footer of the row-group file at
// path, letting the query engine test a predicate against column stats
// without reading the row data.
func ReadFooter(ctx context.Context, backend storage.Backend, path string, fileSize int64) (Footer, error) {
	probe := int64(64 * 1024)
	if probe > fileSize {
		probe = fileSize
	}
	tail, err := backend.ReadRange(ctx, path, fileSize-probe, probe)
	if err != nil {
		return Footer{}, parquedb.NewUnavailableError("read row group footer tail", err)
	}
	footer, _, err := decodeFooter(tail)
	return footer, err
}

// MayMatch reports whether a row group whose aggregate stats are footer.Stats
// could possibly contain a row matching filter. A false result means the
// whole file can be skipped; true does not guarantee a match, only that it
// cannot be ruled out from stats alone.
func MayMatch(footer Footer, filter parquedb.Filter) bool {
	return statsMayMatch(footer.Stats, filter)
}

// RowGroupMayMatch is MayMatch narrowed to a single row group's own stats,
// letting a reader skip individual row groups within a file instead of only
// the file as a whole.
func RowGroupMayMatch(rg RowGroupMeta, filter parquedb.Filter) bool {
	return statsMayMatch(rg.Stats, filter)
}

func statsMayMatch(stats map[string]ColumnStats, filter parquedb.Filter) bool {
	if len(filter.Children) > 0 {
		switch filter.Logic {
		case "$and":
			for _, child := range filter.Children {
				if !statsMayMatch(stats, child) {
					return false
				}
			}
			return true
		case "$or":
			for _, child := range filter.Children {
				if statsMayMatch(stats, child) {
					return true
				}
			}
			return false
		default:
			// $nor/$not can't be ruled out from min/max alone without
			// risking false negatives, so they're conservatively kept.
			return true
		}
	}

	s, ok := stats[filter.Field]
	if !ok || s.Min == nil {
		return true
	}
	for op, operand := range filter.Ops {
		switch op {
		case "$gt", "$gte":
			if compareValues(operand, s.Max) > 0 {
				return false
			}
		case "$lt", "$lte":
			if compareValues(operand, s.Min) < 0 {
				return false
			}
		case "$eq":
			if compareValues(operand, s.Min) < 0 || compareValues(operand, s.Max) > 0 {
				return false
			}
		}
	}
	return true
}

// ReadRowGroup fetches and decodes exactly the byte range of the row group
// at index, never touching the rest of the file (§4.2 "Readers never load a
// whole file; they read footer, then selected row groups"). When
// projectedColumns is non-empty, each row's Document is narrowed to just
// those top-level fields instead of the full shredded document.
func ReadRowGroup(ctx context.Context, backend storage.Backend, path string, footer Footer, index int, projectedColumns []string) ([]Row, error) {
	if index < 0 || index >= len(footer.RowGroups) {
		return nil, parquedb.NewInvariantError(fmt.Sprintf("row group index %d out of range (file has %d)", index, len(footer.RowGroups)))
	}
	rg := footer.RowGroups[index]
	data, err := backend.ReadRange(ctx, path, rg.Offset, rg.Length)
	if err != nil {
		return nil, parquedb.NewUnavailableError("read row group range", err)
	}
	return decodeRowGroupBody(data, projectedColumns)
}

// Read decodes every row out of the row-group file at path, row group by row
// group, in file order.
func Read(ctx context.Context, backend storage.Backend, path string) ([]Row, Footer, error) {
	size, err := backend.Size(ctx, path)
	if err != nil {
		return nil, Footer{}, parquedb.NewUnavailableError("stat row group file", err)
	}
	footer, err := ReadFooter(ctx, backend, path, size)
	if err != nil {
		return nil, Footer{}, err
	}

	var rows []Row
	for i := range footer.RowGroups {
		rgRows, err := ReadRowGroup(ctx, backend, path, footer, i, nil)
		if err != nil {
			return nil, Footer{}, err
		}
		rows = append(rows, rgRows...)
	}
	return rows, footer, nil
}

func decodeRowGroupBody(body []byte, projectedColumns []string) ([]Row, error) {
	pool := memory.NewGoAllocator()
	reader, err := ipc.NewReader(bytes.NewReader(body), ipc.WithAllocator(pool))
	if err != nil {
		return nil, parquedb.NewFatalError("open arrow ipc reader", err)
	}
	defer reader.Release()

	project := len(projectedColumns) > 0
	keep := make(map[string]bool, len(projectedColumns))
	for _, c := range projectedColumns {
		keep[c] = true
	}

	var rows []Row
	for reader.Next() {
		record := reader.Record()
		idCol := record.Column(0).(*array.String)
		verCol := record.Column(1).(*array.Int64)
		delCol := record.Column(2).(*array.Boolean)
		docCol := record.Column(3).(*array.String)

		for i := 0; i < int(record.NumRows()); i++ {
			var doc map[string]any
			if err := json.Unmarshal([]byte(docCol.Value(i)), &doc); err != nil {
				return nil, parquedb.NewFatalError("unmarshal row document", err)
			}
			if project {
				doc = projectDocument(doc, keep)
			}
			rows = append(rows, Row{
				EntityID: idCol.Value(i),
				Version:  verCol.Value(i),
				Deleted:  delCol.Value(i),
				Document: doc,
			})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, parquedb.NewFatalError("read arrow ipc stream", err)
	}
	return rows, nil
}

func projectDocument(doc map[string]any, keep map[string]bool) map[string]any {
	out := make(map[string]any, len(keep))
	for k := range keep {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	return out
}
