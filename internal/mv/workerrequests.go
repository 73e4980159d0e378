package mv

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
)

// TimeBucket selects the granularity WorkerRequests groups request records
// into (§4.11).
type TimeBucket string

const (
	BucketMinute TimeBucket = "minute"
	BucketHour   TimeBucket = "hour"
	BucketDay    TimeBucket = "day"
	BucketMonth  TimeBucket = "month"
)

// GroupBy selects an optional secondary dimension WorkerRequests buckets by.
type GroupBy string

const (
	GroupByPath    GroupBy = "path"
	GroupByColo    GroupBy = "colo"
	GroupByCountry GroupBy = "country"
	GroupByStatus  GroupBy = "status"
	GroupByNone    GroupBy = ""
)

// WorkerRequests is the HTTP-request observability handler (§4.11): it
// buckets request records by time and an optional grouping, computing
// counts, status tallies, cache hit ratio, latency percentiles, and error
// rates via DuckDB SQL.
type WorkerRequests struct {
	db     *sql.DB
	logger *zap.Logger
	bucket TimeBucket
	group  GroupBy
}

// NewWorkerRequests opens the in-memory DuckDB table backing stats queries.
func NewWorkerRequests(ctx context.Context, bucket TimeBucket, group GroupBy, logger *zap.Logger) (*WorkerRequests, error) {
	db, err := openDuckDB(ctx, logger)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE requests (
		ts TIMESTAMP, path VARCHAR, colo VARCHAR, country VARCHAR,
		status INTEGER, latency_ms DOUBLE, cache_hit BOOLEAN
	)`); err != nil {
		return nil, fmt.Errorf("create requests table: %w", err)
	}
	if bucket == "" {
		bucket = BucketHour
	}
	return &WorkerRequests{db: db, logger: logger, bucket: bucket, group: group}, nil
}

func (h *WorkerRequests) Name() string { return "worker_requests" }

func (h *WorkerRequests) SourceNamespaces() []string {
	return []string{"worker_requests", "http_requests"}
}

// Reset clears all buffered rows, used before a full-mode rescan.
func (h *WorkerRequests) Reset() {
	if _, err := h.db.Exec("DELETE FROM requests"); err != nil {
		h.logger.Sugar().Warnw("worker_requests reset failed", "err", err)
	}
}

// Process inserts every event carrying a request record; malformed records
// (missing a status code) are ignored.
func (h *WorkerRequests) Process(ctx context.Context, events []parquedb.Event) error {
	for _, ev := range events {
		rec, ok := extractRequest(ev)
		if !ok {
			continue
		}
		if _, err := h.db.ExecContext(ctx,
			`INSERT INTO requests (ts, path, colo, country, status, latency_ms, cache_hit) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Timestamp, rec.Path, rec.Colo, rec.Country, rec.Status, rec.LatencyMs, rec.CacheHit,
		); err != nil {
			return parquedb.NewUnavailableError("insert worker request", err)
		}
	}
	return nil
}

type requestRecord struct {
	Timestamp time.Time
	Path      string
	Colo      string
	Country   string
	Status    int
	LatencyMs float64
	CacheHit  bool
}

func extractRequest(ev parquedb.Event) (requestRecord, bool) {
	data := ev.Data
	if data == nil {
		data = ev.Update
	}
	if data == nil {
		return requestRecord{}, false
	}

	status, ok := pickFloat(data, "status")
	if !ok {
		status, ok = pickFloat(data, "statusCode")
	}
	if !ok {
		return requestRecord{}, false
	}

	path, _ := pickString(data, "path", "url")
	colo, _ := pickString(data, "colo")
	country, _ := pickString(data, "country")
	latency, _ := pickFloat(data, "latencyMs", "latency_ms")
	cacheHit, _ := pickBool(data, "cacheHit", "cache_hit")

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return requestRecord{
		Timestamp: ts,
		Path:      path,
		Colo:      colo,
		Country:   country,
		Status:    int(status),
		LatencyMs: latency,
		CacheHit:  cacheHit,
	}, true
}

func pickBool(data map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if b, ok := v.(bool); ok {
				return b, true
			}
		}
	}
	return false, false
}

// BucketStats is one time-bucket's aggregate request statistics.
type BucketStats struct {
	Bucket         time.Time
	Group          string
	Count          int64
	ErrorCount     int64
	CacheHitRatio  float64
	P50LatencyMs   float64
	P95LatencyMs   float64
	P99LatencyMs   float64
	ErrorRate      float64
}

func (h *WorkerRequests) truncExpr() string {
	switch h.bucket {
	case BucketMinute:
		return "date_trunc('minute', ts)"
	case BucketDay:
		return "date_trunc('day', ts)"
	case BucketMonth:
		return "date_trunc('month', ts)"
	default:
		return "date_trunc('hour', ts)"
	}
}

func (h *WorkerRequests) groupExpr() string {
	switch h.group {
	case GroupByPath:
		return "path"
	case GroupByColo:
		return "colo"
	case GroupByCountry:
		return "country"
	case GroupByStatus:
		return "CAST(status AS VARCHAR)"
	default:
		return "''"
	}
}

// Stats computes per-bucket (and, if configured, per-group) counts, error
// tallies, cache hit ratio, and latency percentiles via DuckDB's
// percentile_cont, the same "push aggregation into SQL" idiom as EvalScores.
func (h *WorkerRequests) Stats(ctx context.Context) ([]BucketStats, error) {
	query := fmt.Sprintf(`
		SELECT %s AS bucket, %s AS grp,
			count(*) AS cnt,
			sum(CASE WHEN status >= 500 THEN 1 ELSE 0 END) AS errors,
			avg(CASE WHEN cache_hit THEN 1.0 ELSE 0.0 END) AS hit_ratio,
			percentile_cont(0.50) WITHIN GROUP (ORDER BY latency_ms) AS p50,
			percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms) AS p95,
			percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms) AS p99
		FROM requests
		GROUP BY bucket, grp
		ORDER BY bucket, grp`, h.truncExpr(), h.groupExpr())

	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, parquedb.NewUnavailableError("query worker request stats", err)
	}
	defer rows.Close()

	var out []BucketStats
	for rows.Next() {
		var b BucketStats
		var hitRatio, p50, p95, p99 sql.NullFloat64
		if err := rows.Scan(&b.Bucket, &b.Group, &b.Count, &b.ErrorCount, &hitRatio, &p50, &p95, &p99); err != nil {
			return nil, parquedb.NewUnavailableError("scan worker request stats row", err)
		}
		b.CacheHitRatio = hitRatio.Float64
		b.P50LatencyMs = p50.Float64
		b.P95LatencyMs = p95.Float64
		b.P99LatencyMs = p99.Float64
		if b.Count > 0 {
			b.ErrorRate = float64(b.ErrorCount) / float64(b.Count)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LatencyPercentiles computes p50/p95/p99 directly in Go over an
// unordered slice, used where a caller already has the set of latencies in
// memory (e.g. a single bucket re-check) rather than re-querying DuckDB.
// Honors §4.11's edge cases directly: empty input is all zeros, a single
// element returns that element for every percentile.
func LatencyPercentiles(latenciesMs []float64) (p50, p95, p99 float64) {
	if len(latenciesMs) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(latenciesMs))
	copy(sorted, latenciesMs)
	sort.Float64s(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}
