// Package store persists obligations, valuation snapshots, allocation records and
// asset configurations in Postgres or SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/sqldb"
	"github.com/example/zakaah-ledger/internal/valuation"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		company TEXT NOT NULL,
		fiscal_year TEXT NOT NULL,
		year_start DATE NOT NULL,
		year_end DATE NOT NULL,
		amount_due {{amount}} NOT NULL,
		amount_paid {{amount}} NOT NULL,
		amount_outstanding {{amount}} NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Calculated', 'Partially Paid', 'Paid')),
		payment_policy TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL,
		updated_at {{timestamp}} NOT NULL,
		UNIQUE (company, fiscal_year)
	)`,
	`CREATE TABLE IF NOT EXISTS asset_group_snapshots (
		obligation_id TEXT NOT NULL REFERENCES obligations (id),
		seq INTEGER NOT NULL,
		group_kind TEXT NOT NULL,
		account TEXT NOT NULL,
		margin_spec TEXT NOT NULL DEFAULT '',
		raw_balance {{amount}} NOT NULL,
		adjusted_value {{amount}} NOT NULL,
		entry_count INTEGER NOT NULL DEFAULT 0,
		lookup_failed BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (obligation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS allocation_records (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		company TEXT NOT NULL,
		source_id TEXT NOT NULL,
		obligation_id TEXT NOT NULL REFERENCES obligations (id),
		allocated_amount {{amount}} NOT NULL,
		remainder_after {{amount}} NOT NULL,
		created_at {{timestamp}} NOT NULL,
		actor TEXT NOT NULL,
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled_at {{timestamp}},
		cancelled_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS allocation_records_source ON allocation_records (company, source_id, cancelled)`,
	`CREATE INDEX IF NOT EXISTS allocation_records_obligation ON allocation_records (obligation_id, cancelled)`,
	`CREATE TABLE IF NOT EXISTS asset_rules (
		company TEXT NOT NULL,
		group_kind TEXT NOT NULL,
		seq INTEGER NOT NULL,
		account TEXT NOT NULL,
		margin_spec TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (company, group_kind, seq)
	)`,
}

// SQLStore implements allocation.Store and allocation.ConfigStore.
type SQLStore struct {
	db *sqldb.DB
}

var (
	_ allocation.Store       = (*SQLStore)(nil)
	_ allocation.ConfigStore = (*SQLStore)(nil)
)

func New(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the store tables if they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := sqldb.Migrate(ctx, s.db, s.db.Dialect.Schema(schema...)); err != nil {
		return fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a serializable transaction.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx allocation.Tx) error) error {
	return s.db.WithinTx(ctx, "store_tx", func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &sqlTx{q: tx, d: s.db.Dialect})
	})
}

// RecordsFor returns records matching filter in insertion order.
func (s *SQLStore) RecordsFor(ctx context.Context, filter allocation.RecordFilter) ([]allocation.AllocationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.db.Timeout)
	defer cancel()

	query := `SELECT ` + recordColumns + ` FROM allocation_records WHERE 1 = 1`
	var args []any
	if filter.Company != "" {
		query += ` AND company = ?`
		args = append(args, filter.Company)
	}
	if filter.ObligationID != "" {
		query += ` AND obligation_id = ?`
		args = append(args, filter.ObligationID)
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if !filter.IncludeCancelled {
		query += ` AND cancelled = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation records: %w", err)
	}
	return scanRecords(rows)
}

// AllocatedBySource sums non-cancelled allocations per voucher of company.
func (s *SQLStore) AllocatedBySource(ctx context.Context, company string, sourceIDs []string) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.db.Timeout)
	defer cancel()
	return allocatedBy(ctx, s.db, s.db.Dialect, "source_id", company, sourceIDs)
}

// Snapshots returns the valued rows of an obligation in valuation order.
func (s *SQLStore) Snapshots(ctx context.Context, obligationID string) ([]valuation.AssetGroupSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.db.Timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT group_kind, account, margin_spec, raw_balance, adjusted_value, entry_count, lookup_failed
		FROM asset_group_snapshots
		WHERE obligation_id = ?
		ORDER BY seq`), obligationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	out := []valuation.AssetGroupSnapshot{}
	for rows.Next() {
		var r valuation.AssetGroupSnapshot
		var group string
		if err := rows.Scan(&group, &r.Account, &r.MarginSpec, &r.RawBalance, &r.AdjustedValue, &r.EntryCount, &r.LookupFailed); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		r.Group = valuation.GroupKind(group)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return out, nil
}

// allocatedBy sums non-cancelled allocated amounts grouped by column, restricted to
// company when it is set. Every id is present in the result, zero when nothing is
// allocated.
func allocatedBy(ctx context.Context, q sqldb.Queryer, d sqldb.Dialect, column, company string, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for _, id := range ids {
		out[id] = decimal.Zero
	}

	query := `SELECT ` + column + `, allocated_amount FROM allocation_records WHERE cancelled = ?`
	args := []any{false}
	if company != "" {
		query += ` AND company = ?`
		args = append(args, company)
	}
	query += ` AND ` + column + ` IN (` + sqldb.Placeholders(len(ids)) + `)`
	args = append(args, sqldb.Args(ids)...)
	rows, err := q.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocated amounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var amount decimal.Decimal
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan allocated amount: %w", err)
		}
		out[id] = out[id].Add(amount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read allocated amounts: %w", err)
	}
	return out, nil
}

const recordColumns = `id, batch_id, company, source_id, obligation_id, allocated_amount, remainder_after,
	created_at, actor, cancelled, cancelled_at, cancelled_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (allocation.AllocationRecord, error) {
	var r allocation.AllocationRecord
	var cancelledAt sql.NullTime
	err := row.Scan(&r.ID, &r.BatchID, &r.Company, &r.SourceID, &r.ObligationID, &r.AllocatedAmount, &r.RemainderAfter,
		&r.Timestamp, &r.Actor, &r.Cancelled, &cancelledAt, &r.CancelledBy)
	if err != nil {
		return r, err
	}
	r.Timestamp = r.Timestamp.UTC()
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		r.CancelledAt = &t
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]allocation.AllocationRecord, error) {
	defer rows.Close()
	out := []allocation.AllocationRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read allocation records: %w", err)
	}
	return out, nil
}

// LoadConfiguration returns the stored rules of company grouped by kind.
func (s *SQLStore) LoadConfiguration(ctx context.Context, company string) (valuation.ConfigurationInput, error) {
	ctx, cancel := context.WithTimeout(ctx, s.db.Timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT group_kind, account, margin_spec FROM asset_rules
		WHERE company = ?
		ORDER BY group_kind, seq`), company)
	if err != nil {
		return valuation.ConfigurationInput{}, fmt.Errorf("failed to query asset rules: %w", err)
	}
	defer rows.Close()

	in := valuation.ConfigurationInput{Company: company, Groups: map[valuation.GroupKind][]valuation.RuleInput{}}
	n := 0
	for rows.Next() {
		var group string
		var rule valuation.RuleInput
		if err := rows.Scan(&group, &rule.Account, &rule.MarginSpec); err != nil {
			return valuation.ConfigurationInput{}, fmt.Errorf("failed to scan asset rule: %w", err)
		}
		in.Groups[valuation.GroupKind(group)] = append(in.Groups[valuation.GroupKind(group)], rule)
		n++
	}
	if err := rows.Err(); err != nil {
		return valuation.ConfigurationInput{}, fmt.Errorf("failed to read asset rules: %w", err)
	}
	if n == 0 {
		return valuation.ConfigurationInput{}, apperr.NotFound("load_configuration", "company", "no asset configuration for "+company)
	}
	return in, nil
}

// SaveConfiguration replaces every stored rule of the company.
func (s *SQLStore) SaveConfiguration(ctx context.Context, in valuation.ConfigurationInput) error {
	return s.db.WithinTx(ctx, "save_configuration", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM asset_rules WHERE company = ?`), in.Company); err != nil {
			return fmt.Errorf("failed to clear asset rules: %w", err)
		}

		groups := make([]string, 0, len(in.Groups))
		for g := range in.Groups {
			groups = append(groups, string(g))
		}
		sort.Strings(groups)

		insert := s.db.Rebind(`INSERT INTO asset_rules (company, group_kind, seq, account, margin_spec) VALUES (?, ?, ?, ?, ?)`)
		for _, g := range groups {
			for i, rule := range in.Groups[valuation.GroupKind(g)] {
				if _, err := tx.ExecContext(ctx, insert, in.Company, g, i, rule.Account, rule.MarginSpec); err != nil {
					return fmt.Errorf("failed to insert asset rule: %w", err)
				}
			}
		}
		return nil
	})
}
