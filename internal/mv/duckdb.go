package mv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"
)

// openDuckDB opens an in-memory DuckDB connection and applies the same
// pragma-configuration idiom as forma's CDC snapshot exporter
// (internal/cdc/duckdb_exporter.go's NewDuckExporter), sized for a single
// handler's working set rather than a bulk Postgres-to-Parquet export:
// pragma failures are logged and otherwise ignored, never fatal to startup.
func openDuckDB(ctx context.Context, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA memory_limit='512MB';",
		"PRAGMA threads=2;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx2, p); err != nil {
			logger.Sugar().Warnw("duckdb pragma failed", "pragma", p, "err", err)
		}
	}
	return db, nil
}
