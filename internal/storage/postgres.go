package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/circuitbreaker"
)

// pgxQuerier is the slice of *pgxpool.Pool's method set Postgres needs,
// narrowed so pgxmock.PgxPoolIface can stand in for a real pool in tests the
// way forma's repository tests mock pgx without a live database.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Backend storing objects as rows in a single blob table,
// addressed by path. Grounded on forma's pgx-pool-backed persistent
// repository (formerly internal/postgres_persistent_repository.go), carrying
// forward its pool-per-backend shape and context-scoped query calls, applied
// here to a blob table instead of an EAV entity table.
type Postgres struct {
	pool    pgxQuerier
	table   string
	breaker *circuitbreaker.Breaker
}

// NewPostgres wraps an existing pool. table must already have columns
// (path text primary key, data bytea, updated_at timestamptz).
func NewPostgres(pool *pgxpool.Pool, table string) *Postgres {
	return newPostgres(pool, table)
}

func newPostgres(pool pgxQuerier, table string) *Postgres {
	return &Postgres{
		pool:    pool,
		table:   table,
		breaker: circuitbreaker.New(breakerThreshold, breakerWindow, breakerCooldown),
	}
}

func (p *Postgres) withBreaker(ctx context.Context, fn func() error) error {
	if p.breaker.IsOpen() {
		return parquedb.NewUnavailableError("circuit breaker open for Postgres backend", nil)
	}
	err := fn()
	if err != nil {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}
	return err
}

func (p *Postgres) Write(ctx context.Context, path string, data []byte) error {
	return p.withBreaker(ctx, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO `+p.table+` (path, data, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			path, data)
		return err
	})
}

func (p *Postgres) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := p.withBreaker(ctx, func() error {
		return p.pool.QueryRow(ctx, `SELECT data FROM `+p.table+` WHERE path = $1`, path).Scan(&data)
	})
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return nil, parquedb.NewUnavailableError("read object", err)
	}
	return data, nil
}

func (p *Postgres) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	data, err := p.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return data[offset:end], nil
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := p.withBreaker(ctx, func() error {
		rows, err := p.pool.Query(ctx, `SELECT path FROM `+p.table+` WHERE path LIKE $1 ORDER BY path`, prefix+"%")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				return err
			}
			out = append(out, path)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, parquedb.NewUnavailableError("list objects", err)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	return p.withBreaker(ctx, func() error {
		_, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE path = $1`, path)
		return err
	})
}

func (p *Postgres) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := p.withBreaker(ctx, func() error {
		return p.pool.QueryRow(ctx, `SELECT length(data) FROM `+p.table+` WHERE path = $1`, path).Scan(&size)
	})
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return 0, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return 0, parquedb.NewUnavailableError("size object", err)
	}
	return size, nil
}

func (p *Postgres) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := p.withBreaker(ctx, func() error {
		return p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+p.table+` WHERE path = $1)`, path).Scan(&exists)
	})
	if err != nil {
		return false, parquedb.NewUnavailableError("check object existence", err)
	}
	return exists, nil
}
