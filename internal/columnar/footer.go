// Package columnar implements the Columnar Writer/Reader (§4.2): documents
// are grouped into row groups and written as self-describing files whose
// footer carries per-column min/max statistics, letting the Query Engine
// skip whole row groups that cannot match a predicate without touching
// their data.
//
// Grounded on forma's internal/duckdb_sql_generator.go and
// internal/duckdb_conn.go, which map typed document columns onto DuckDB's
// native column types; reimplemented here over
// github.com/apache/arrow-go/v18 record batches so each row group carries
// its own stats footer instead of relying on DuckDB's catalog.
package columnar

import (
	"bytes"
	"encoding/binary"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"

	"github.com/lychee-technology/parquedb"
)

// fileMagic identifies a row-group file; fileTrailerSize is the fixed-width
// trailer appended after the footer JSON so a reader can find the footer by
// seeking from the end without scanning the whole file.
var fileMagic = [4]byte{'P', 'Q', 'R', 'G'}

const fileTrailerSize = 4 + 8 + 8 // magic + footer length + footer checksum

// ColumnStats holds the min/max bounds observed for one column across a row
// group, used by the query engine to skip the group entirely when a
// predicate's range cannot intersect [Min, Max].
type ColumnStats struct {
	Min      any  `json:"min"`
	Max      any  `json:"max"`
	NullCount int `json:"null_count"`
}

// RowGroupMeta locates one row group's Arrow IPC body within the file and
// carries that row group's own stats, so a reader can test a predicate and
// fetch exactly the bytes it needs via ReadRange without touching the rest
// of the file (§4.2 "Readers never load a whole file").
type RowGroupMeta struct {
	Offset   int64                  `json:"offset"`
	Length   int64                  `json:"length"`
	RowCount int                    `json:"row_count"`
	Stats    map[string]ColumnStats `json:"stats"`
}

// Footer describes one row-group file: its total row count, per-column
// statistics aggregated across the whole file (for a cheap file-level skip),
// and the individual row groups the file was partitioned into.
type Footer struct {
	RowCount  int                    `json:"row_count"`
	Columns   []string               `json:"columns"`
	Stats     map[string]ColumnStats `json:"stats"`
	RowGroups []RowGroupMeta         `json:"row_groups"`
}

// encodeFooter serializes footer and appends the fixed trailer (magic,
// length, checksum); the writer appends the result after the row-group
// bodies.
func encodeFooter(footer Footer) ([]byte, error) {
	body, err := json.Marshal(footer)
	if err != nil {
		return nil, parquedb.NewFatalError("marshal row group footer", err)
	}

	trailer := make([]byte, fileTrailerSize)
	copy(trailer[0:4], fileMagic[:])
	binary.LittleEndian.PutUint64(trailer[4:12], uint64(len(body)))
	binary.LittleEndian.PutUint64(trailer[12:20], xxh3.Hash(body))

	out := make([]byte, 0, len(body)+len(trailer))
	out = append(out, body...)
	out = append(out, trailer...)
	return out, nil
}

// decodeFooter reads the trailer at the end of data and returns the parsed
// Footer plus the byte offset where the row-group body ends (i.e. where the
// footer JSON begins).
func decodeFooter(data []byte) (Footer, int64, error) {
	if len(data) < fileTrailerSize {
		return Footer{}, 0, parquedb.NewInvariantError("row group file too short for trailer")
	}
	trailer := data[len(data)-fileTrailerSize:]
	if !bytes.Equal(trailer[0:4], fileMagic[:]) {
		return Footer{}, 0, parquedb.NewInvariantError("row group file missing magic trailer")
	}
	footerLen := binary.LittleEndian.Uint64(trailer[4:12])
	wantChecksum := binary.LittleEndian.Uint64(trailer[12:20])

	bodyEnd := int64(len(data)) - int64(fileTrailerSize)
	footerStart := bodyEnd - int64(footerLen)
	if footerStart < 0 {
		return Footer{}, 0, parquedb.NewInvariantError("row group footer length exceeds file size")
	}

	footerBytes := data[footerStart:bodyEnd]
	if xxh3.Hash(footerBytes) != wantChecksum {
		return Footer{}, 0, parquedb.NewInvariantError("row group footer checksum mismatch")
	}

	var footer Footer
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return Footer{}, 0, parquedb.NewFatalError("unmarshal row group footer", err)
	}
	return footer, footerStart, nil
}

// updateStats folds value into the running min/max for column, treating a
// nil value as a null observation instead of a comparable bound.
func updateStats(stats map[string]ColumnStats, column string, value any) {
	s, ok := stats[column]
	if value == nil {
		s.NullCount++
		stats[column] = s
		return
	}
	if !ok || s.Min == nil {
		s.Min, s.Max = value, value
		stats[column] = s
		return
	}
	if compareValues(value, s.Min) < 0 {
		s.Min = value
	}
	if compareValues(value, s.Max) > 0 {
		s.Max = value
	}
	stats[column] = s
}

// mergeStats folds src's per-column stats into dst, widening min/max and
// summing null counts, so a file's aggregate Stats cover every row group it
// was partitioned into.
func mergeStats(dst, src map[string]ColumnStats) {
	for col, s := range src {
		d, ok := dst[col]
		if !ok {
			dst[col] = s
			continue
		}
		d.NullCount += s.NullCount
		if s.Min != nil && (d.Min == nil || compareValues(s.Min, d.Min) < 0) {
			d.Min = s.Min
		}
		if s.Max != nil && (d.Max == nil || compareValues(s.Max, d.Max) > 0) {
			d.Max = s.Max
		}
		dst[col] = d
	}
}

// compareValues orders two scalar JSON values of the same dynamic type, used
// both to maintain running stats and, in the reader, to test a row group's
// stats against a filter's range bound.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bool:
		bv, _ := b.(bool)
		if av == bv {
			return 0
		}
		if !av && bv {
			return -1
		}
		return 1
	default:
		return 0
	}
}
