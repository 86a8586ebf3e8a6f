package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/zakaah-ledger/internal/apperr"
)

func TestRebind(t *testing.T) {
	q := "SELECT id FROM obligations WHERE company = ? AND id IN (?, ?)"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT id FROM obligations WHERE company = $1 AND id IN ($2, $3)", Postgres.Rebind(q))
}

func TestSchema(t *testing.T) {
	stmt := "CREATE TABLE t (amount {{amount}} NOT NULL, at {{timestamp}} NOT NULL)"
	assert.Equal(t, []string{"CREATE TABLE t (amount NUMERIC NOT NULL, at TIMESTAMPTZ NOT NULL)"}, Postgres.Schema(stmt))
	assert.Equal(t, []string{"CREATE TABLE t (amount TEXT NOT NULL, at TIMESTAMP NOT NULL)"}, SQLite.Schema(stmt))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
	assert.Equal(t, []any{"a", "b"}, Args([]string{"a", "b"}))
}

func TestDate(t *testing.T) {
	loc := time.FixedZone("AST", 3*60*60)
	got := Date(time.Date(2024, 3, 1, 1, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), got)
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, IsSerializationFailure(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsSerializationFailure(errors.New("boom")))
}

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db, []string{
		`CREATE TABLE IF NOT EXISTS items (id TEXT PRIMARY KEY)`,
	}))
	return db
}

func count(t *testing.T, db *DB) int {
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestWithinTxCommitsAndRollsBack(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	err := db.WithinTx(ctx, "insert", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO items (id) VALUES (?)`), "a")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db))

	boom := apperr.Validation("insert", "id", "rejected")
	err = db.WithinTx(ctx, "insert", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO items (id) VALUES (?)`), "b"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count(t, db))
}

func TestQuerierJoinsTransaction(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	assert.Equal(t, Queryer(db.DB), db.Querier(ctx))

	rollback := errors.New("rollback")
	err := db.WithinTx(ctx, "insert", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO items (id) VALUES (?)`), "c"); err != nil {
			return err
		}
		var n int
		require.NoError(t, db.Querier(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
		assert.Equal(t, 1, n, "reads see the uncommitted insert")

		other := openTest(t)
		assert.Equal(t, Queryer(other.DB), other.Querier(ctx), "a transaction of another database is ignored")
		return rollback
	})
	assert.ErrorIs(t, err, rollback)
	assert.Equal(t, 0, count(t, db))
}

func TestWithinTxMapsSerializationFailures(t *testing.T) {
	db := openTest(t)
	err := db.WithinTx(context.Background(), "allocate", func(ctx context.Context, tx *sql.Tx) error {
		return fmt.Errorf("failed to insert: %w", &pgconn.PgError{Code: "40001"})
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConcurrency))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTest(t)
	require.NoError(t, Migrate(context.Background(), db, []string{
		`CREATE TABLE IF NOT EXISTS items (id TEXT PRIMARY KEY)`,
	}))
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("mysql"), "")
	assert.Error(t, err)
}
