package columnar

import (
	"bytes"
	"context"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/storage"
)

// docColumn holds the full document as JSON, alongside shredded scalar
// columns for every top-level field that is a string, float64, or bool —
// the same typed-column-plus-overflow-blob split the teacher's DuckDB type
// mapper used for EAV attributes, applied here to whole documents instead of
// individual attributes.
const docColumn = "__doc"

// Row is one document plus the entity metadata a row group must track
// alongside it to support deletes and version ordering on read.
type Row struct {
	EntityID  string
	Version   int64
	Deleted   bool
	Document  map[string]any
}

// WriteOptions configures how Write partitions rows across row groups
// within the file (§4.2 Writer contract).
type WriteOptions struct {
	// RowGroupSize bounds how many rows land in a single row group. <= 0 (or
	// larger than len(rows)) puts every row in one row group.
	RowGroupSize int
}

// Write encodes rows as a single row group (document JSON plus shredded
// scalar columns), serializes it via the Arrow IPC stream format, appends a
// stats footer, and writes the result to backend at path.
func Write(ctx context.Context, backend storage.Backend, path string, rows []Row) (Footer, error) {
	return WriteWithOptions(ctx, backend, path, rows, WriteOptions{})
}

// WriteWithOptions is Write with control over row-group partitioning: rows
// are split into contiguous row groups of at most opts.RowGroupSize, each
// encoded as its own Arrow IPC body back-to-back in the file, with the
// footer recording every row group's byte range and stats so a reader can
// fetch and test one row group at a time (§4.2).
func WriteWithOptions(ctx context.Context, backend storage.Backend, path string, rows []Row, opts WriteOptions) (Footer, error) {
	if len(rows) == 0 {
		return Footer{}, parquedb.NewInvariantError("cannot write an empty row group")
	}

	chunkSize := opts.RowGroupSize
	if chunkSize <= 0 || chunkSize > len(rows) {
		chunkSize = len(rows)
	}

	fieldNames := shreddedFields(rows)
	columns := append([]string{"__entity_id", "__version", "__deleted", docColumn}, fieldNames...)

	var body bytes.Buffer
	var rowGroups []RowGroupMeta
	aggregate := make(map[string]ColumnStats, len(fieldNames))

	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		encoded, stats, err := encodeRowGroup(rows[start:end], fieldNames)
		if err != nil {
			return Footer{}, err
		}
		rowGroups = append(rowGroups, RowGroupMeta{
			Offset:   int64(body.Len()),
			Length:   int64(len(encoded)),
			RowCount: end - start,
			Stats:    stats,
		})
		body.Write(encoded)
		mergeStats(aggregate, stats)
	}

	footer := Footer{
		RowCount:  len(rows),
		Columns:   columns,
		Stats:     aggregate,
		RowGroups: rowGroups,
	}

	footerBytes, err := encodeFooter(footer)
	if err != nil {
		return Footer{}, err
	}

	full := append(body.Bytes(), footerBytes...)
	if err := backend.Write(ctx, path, full); err != nil {
		return Footer{}, parquedb.NewUnavailableError("write row group file", err)
	}
	return footer, nil
}

// encodeRowGroup serializes one contiguous slice of rows as a standalone
// Arrow IPC stream and computes its per-column stats.
func encodeRowGroup(rows []Row, fieldNames []string) ([]byte, map[string]ColumnStats, error) {
	pool := memory.NewGoAllocator()

	fields := []arrow.Field{
		{Name: "__entity_id", Type: arrow.BinaryTypes.String},
		{Name: "__version", Type: arrow.PrimitiveTypes.Int64},
		{Name: "__deleted", Type: arrow.FixedWidthTypes.Boolean},
		{Name: docColumn, Type: arrow.BinaryTypes.String},
	}
	for _, name := range fieldNames {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()

	stats := make(map[string]ColumnStats, len(fieldNames))
	for _, row := range rows {
		builder.Field(0).(*array.StringBuilder).Append(row.EntityID)
		builder.Field(1).(*array.Int64Builder).Append(row.Version)
		builder.Field(2).(*array.BooleanBuilder).Append(row.Deleted)

		docJSON, err := json.Marshal(row.Document)
		if err != nil {
			return nil, nil, parquedb.NewFatalError("marshal row document", err)
		}
		builder.Field(3).(*array.StringBuilder).Append(string(docJSON))

		updateStats(stats, "__entity_id", row.EntityID)
		updateStats(stats, "__version", float64(row.Version))

		for fi, name := range fieldNames {
			col := builder.Field(4 + fi).(*array.StringBuilder)
			v, ok := row.Document[name]
			if !ok || v == nil {
				col.AppendNull()
				updateStats(stats, name, nil)
				continue
			}
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, nil, parquedb.NewFatalError("marshal shredded field", err)
			}
			col.Append(string(encoded))
			updateStats(stats, name, scalarForStats(v))
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err := writer.Write(record); err != nil {
		return nil, nil, parquedb.NewFatalError("write arrow ipc record", err)
	}
	if err := writer.Close(); err != nil {
		return nil, nil, parquedb.NewFatalError("close arrow ipc writer", err)
	}
	return buf.Bytes(), stats, nil
}

// shreddedFields collects, in sorted order, every top-level document field
// across rows whose value is a scalar (string, float64/number, bool) in at
// least one row, so that field gets its own pushdown-able column.
func shreddedFields(rows []Row) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for k, v := range row.Document {
			if isScalar(v) {
				seen[k] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool, int, int64:
		return true
	default:
		return false
	}
}

func scalarForStats(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return t
	}
}
