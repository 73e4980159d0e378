package storage

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresWriteUpsertsRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO blobs").
		WithArgs("rowgroups/c1/0001.rg", []byte("data")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p := newPostgres(mock, "blobs")
	require.NoError(t, p.Write(context.Background(), "rowgroups/c1/0001.rg", []byte("data")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadReturnsRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"data"}).AddRow([]byte("hello"))
	mock.ExpectQuery("SELECT data FROM blobs").
		WithArgs("obj").
		WillReturnRows(rows)

	p := newPostgres(mock, "blobs")
	data, err := p.Read(context.Background(), "obj")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadMissingIsNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT data FROM blobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	p := newPostgres(mock, "blobs")
	_, err = p.Read(context.Background(), "missing")
	require.Error(t, err)
}

func TestPostgresDelete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM blobs").
		WithArgs("obj").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	p := newPostgres(mock, "blobs")
	require.NoError(t, p.Delete(context.Background(), "obj"))
	require.NoError(t, mock.ExpectationsWereMet())
}
