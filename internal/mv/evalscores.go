package mv

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
)

// EvalScores is the `evalite_scores|scores` observability handler (§4.11):
// it stores scores in one in-memory DuckDB table (filtered by suite and
// scorer at query time; no separate per-scorer/per-suite/per-run indexes
// are kept), a bounded ring buffer of the most recent scores, and
// statistics computed in DuckDB rather than hand-rolled running aggregates.
type EvalScores struct {
	db        *sql.DB
	logger    *zap.Logger
	maxScores int

	mu    sync.Mutex
	ring  []scoreRecord
	dirty bool
}

type scoreRecord struct {
	RunID      string
	SuiteName  string
	ScorerName string
	Score      float64
	EvalID     string
	Timestamp  time.Time
}

// NewEvalScores opens the in-memory DuckDB table backing stats queries.
// maxScores bounds the ring buffer used for the "most-recent N" view.
func NewEvalScores(ctx context.Context, maxScores int, logger *zap.Logger) (*EvalScores, error) {
	db, err := openDuckDB(ctx, logger)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE scores (
		run_id VARCHAR, suite_name VARCHAR, scorer_name VARCHAR,
		score DOUBLE, eval_id VARCHAR, ts TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("create scores table: %w", err)
	}
	if maxScores <= 0 {
		maxScores = 1000
	}
	return &EvalScores{db: db, logger: logger, maxScores: maxScores}, nil
}

func (h *EvalScores) Name() string { return "eval_scores" }

func (h *EvalScores) SourceNamespaces() []string {
	return []string{"evalite_scores", "scores"}
}

// Reset clears all accumulated rows, used before a full-mode rescan.
func (h *EvalScores) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = nil
	h.dirty = true
	if _, err := h.db.Exec("DELETE FROM scores"); err != nil {
		h.logger.Sugar().Warnw("eval_scores reset failed", "err", err)
	}
}

// Process inserts every event carrying a valid score; events missing the
// required fields (score, suite name, or scorer name) are ignored rather
// than erroring, matching §4.11's tolerant-ingestion contract.
func (h *EvalScores) Process(ctx context.Context, events []parquedb.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ev := range events {
		rec, ok := extractScore(ev)
		if !ok {
			continue
		}
		if _, err := h.db.ExecContext(ctx,
			`INSERT INTO scores (run_id, suite_name, scorer_name, score, eval_id, ts) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.SuiteName, rec.ScorerName, rec.Score, rec.EvalID, rec.Timestamp,
		); err != nil {
			return parquedb.NewUnavailableError("insert eval score", err)
		}
		h.ring = append(h.ring, rec)
		if len(h.ring) > h.maxScores {
			h.ring = h.ring[len(h.ring)-h.maxScores:]
		}
		h.dirty = true
	}
	return nil
}

// extractScore pulls a scoreRecord out of an event's document, accepting
// both camelCase and snake_case field-name variants as §4.11 requires.
func extractScore(ev parquedb.Event) (scoreRecord, bool) {
	data := ev.Data
	if data == nil {
		data = ev.Update
	}
	if data == nil {
		return scoreRecord{}, false
	}

	score, ok := pickFloat(data, "score")
	if !ok {
		return scoreRecord{}, false
	}
	suite, ok := pickString(data, "suiteName", "suite_name", "suite")
	if !ok || suite == "" {
		return scoreRecord{}, false
	}
	scorer, ok := pickString(data, "scorerName", "scorer_name", "scorer")
	if !ok || scorer == "" {
		return scoreRecord{}, false
	}
	runID, _ := pickString(data, "runId", "run_id")
	evalID, _ := pickString(data, "evalId", "eval_id")

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return scoreRecord{
		RunID:      runID,
		SuiteName:  suite,
		ScorerName: scorer,
		Score:      score,
		EvalID:     evalID,
		Timestamp:  ts,
	}, true
}

// ScoreStats is the aggregate view over one (suite, scorer) dimension.
type ScoreStats struct {
	Count     int64
	Min       float64
	Max       float64
	Average   float64
	StdDev    float64
	Histogram []HistogramBucket
}

// HistogramBucket is one bucket of a fixed-width score histogram.
type HistogramBucket struct {
	LowerBound float64
	UpperBound float64
	Count      int64
}

// Stats computes count/min/max/average/standard-deviation and a
// configurable-bucket histogram for one suite/scorer pair, pushing the
// aggregation into SQL (stddev, width_bucket) instead of hand-rolled
// running statistics.
func (h *EvalScores) Stats(ctx context.Context, suite, scorer string, buckets int) (ScoreStats, error) {
	if buckets <= 0 {
		buckets = 10
	}

	var stats ScoreStats
	var minV, maxV, avgV, stddevV sql.NullFloat64
	row := h.db.QueryRowContext(ctx,
		`SELECT count(*), min(score), max(score), avg(score), stddev(score)
		 FROM scores WHERE suite_name = ? AND scorer_name = ?`, suite, scorer)
	if err := row.Scan(&stats.Count, &minV, &maxV, &avgV, &stddevV); err != nil {
		return ScoreStats{}, parquedb.NewUnavailableError("query eval score stats", err)
	}
	if stats.Count == 0 {
		return stats, nil
	}
	stats.Min, stats.Max, stats.Average = minV.Float64, maxV.Float64, avgV.Float64
	if stddevV.Valid {
		stats.StdDev = stddevV.Float64
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT width_bucket(score, ?, ?, ?) AS bucket, count(*)
		 FROM scores WHERE suite_name = ? AND scorer_name = ?
		 GROUP BY bucket ORDER BY bucket`, stats.Min, stats.Max, buckets, suite, scorer)
	if err != nil {
		return ScoreStats{}, parquedb.NewUnavailableError("query eval score histogram", err)
	}
	defer rows.Close()

	width := (stats.Max - stats.Min) / float64(buckets)
	if width == 0 {
		width = 1
	}
	counts := make(map[int64]int64)
	for rows.Next() {
		var bucket, count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return ScoreStats{}, parquedb.NewUnavailableError("scan eval score histogram row", err)
		}
		counts[bucket] = count
	}
	for i := int64(1); i <= int64(buckets); i++ {
		stats.Histogram = append(stats.Histogram, HistogramBucket{
			LowerBound: stats.Min + float64(i-1)*width,
			UpperBound: stats.Min + float64(i)*width,
			Count:      counts[i],
		})
	}
	return stats, nil
}

// Recent returns the most recent n scores from the ring buffer without
// querying DuckDB, newest last.
func (h *EvalScores) Recent(n int) []scoreRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.ring) {
		n = len(h.ring)
	}
	out := make([]scoreRecord, n)
	copy(out, h.ring[len(h.ring)-n:])
	return out
}

// percentile implements standard linear-interpolation percentile, matching
// §4.11's edge-case contract: empty input is 0, a single element is itself.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func pickFloat(data map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch n := data[key].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}

func pickString(data map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
