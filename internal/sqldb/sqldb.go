package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/example/zakaah-ledger/internal/apperr"
)

// Dialect selects the SQL flavour of a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Rebind rewrites ? placeholders into $n for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ForUpdate returns the row locking clause, empty where the dialect locks the whole
// database for a write transaction instead.
func (d Dialect) ForUpdate() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// Schema substitutes the {{amount}} and {{timestamp}} column types of the dialect
// into statements. SQLite keeps amounts as text so decimals round-trip exactly.
func (d Dialect) Schema(statements ...string) []string {
	r := strings.NewReplacer("{{amount}}", "NUMERIC", "{{timestamp}}", "TIMESTAMPTZ")
	if d != Postgres {
		r = strings.NewReplacer("{{amount}}", "TEXT", "{{timestamp}}", "TIMESTAMP")
	}
	out := make([]string, len(statements))
	for i, s := range statements {
		out[i] = r.Replace(s)
	}
	return out
}

// Placeholders returns n comma separated ? markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Args converts ids into query arguments.
func Args(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Date normalises t to midnight UTC so date columns compare consistently.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is a database handle that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
	Timeout time.Duration

	pool *pgxpool.Pool
}

// Open connects to dsn. Postgres connections go through a pgx pool exposed as
// database/sql; SQLite connections are limited to one so in-memory databases and
// write locking behave.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	switch dialect {
	case Postgres:
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		return &DB{DB: stdlib.OpenDBFromPool(pool), Dialect: Postgres, Timeout: 5 * time.Second, pool: pool}, nil
	case SQLite:
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return &DB{DB: db, Dialect: SQLite, Timeout: 5 * time.Second}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Wrap adopts an existing handle.
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect, Timeout: 5 * time.Second}
}

// Close closes the handle and, for Postgres, the underlying pool.
func (db *DB) Close() error {
	err := db.DB.Close()
	if db.pool != nil {
		db.pool.Close()
	}
	return err
}

// Rebind rewrites query for the connection's dialect.
func (db *DB) Rebind(query string) string { return db.Dialect.Rebind(query) }

type txKey struct{}

type boundTx struct {
	db *DB
	tx *sql.Tx
}

// Querier returns the transaction WithinTx opened on db for ctx, or db itself when
// ctx carries none, so readers on the same database join the caller's transaction.
func (db *DB) Querier(ctx context.Context) Queryer {
	if b, ok := ctx.Value(txKey{}).(boundTx); ok && b.db == db {
		return b.tx
	}
	return db.DB
}

// WithinTx runs fn in a transaction that is committed when fn returns nil and
// rolled back otherwise. Postgres transactions are SERIALIZABLE; serialization
// failures and deadlocks are reported as apperr ConcurrencyConflict.
func (db *DB) WithinTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	txCtx := ctx
	if db.Timeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, db.Timeout)
		defer cancel()
	}

	var opts *sql.TxOptions
	if db.Dialect == Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := db.BeginTx(txCtx, opts)
	if err != nil {
		return classify(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	txCtx = context.WithValue(txCtx, txKey{}, boundTx{db: db, tx: tx})
	if err := fn(txCtx, tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func classify(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if IsSerializationFailure(err) {
		return apperr.Conflict(op, err)
	}
	return err
}

// IsSerializationFailure reports whether err means a concurrent transaction won.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsNoRows reports whether err is an empty single-row result from either driver.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// Migrate applies statements in order. Each statement must be idempotent.
func Migrate(ctx context.Context, q Queryer, statements []string) error {
	for i, stmt := range statements {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
	}
	return nil
}
