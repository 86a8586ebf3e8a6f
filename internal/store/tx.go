package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/sqldb"
	"github.com/example/zakaah-ledger/internal/valuation"
)

// sourceLockNamespace keys the advisory locks taken on payment vouchers.
const sourceLockNamespace = 7261

const obligationColumns = `id, company, fiscal_year, year_start, year_end, amount_due, amount_paid,
	amount_outstanding, status, payment_policy, created_at, updated_at`

type sqlTx struct {
	q sqldb.Queryer
	d sqldb.Dialect
}

func (t *sqlTx) queryObligations(ctx context.Context, where string, forUpdate bool, args ...any) ([]allocation.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE ` + where + ` ORDER BY year_start, id`
	if forUpdate {
		query += t.d.ForUpdate()
	}
	rows, err := t.q.QueryContext(ctx, t.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	out := []allocation.Obligation{}
	for rows.Next() {
		var o allocation.Obligation
		var status string
		err := rows.Scan(&o.ID, &o.Company, &o.FiscalYear, &o.YearStart, &o.YearEnd, &o.AmountDue, &o.AmountPaid,
			&o.AmountOutstanding, &status, &o.PaymentPolicy, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}
		o.Status = allocation.Status(status)
		o.YearStart, o.YearEnd = sqldb.Date(o.YearStart), sqldb.Date(o.YearEnd)
		o.CreatedAt, o.UpdatedAt = o.CreatedAt.UTC(), o.UpdatedAt.UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read obligations: %w", err)
	}
	return out, nil
}

func (t *sqlTx) Obligations(ctx context.Context, ids []string, forUpdate bool) ([]allocation.Obligation, error) {
	if len(ids) == 0 {
		return []allocation.Obligation{}, nil
	}
	return t.queryObligations(ctx, `id IN (`+sqldb.Placeholders(len(ids))+`)`, forUpdate, sqldb.Args(ids)...)
}

func (t *sqlTx) ObligationsByCompany(ctx context.Context, company string, forUpdate bool) ([]allocation.Obligation, error) {
	return t.queryObligations(ctx, `company = ?`, forUpdate, company)
}

// FindObligation returns nil when the company has no obligation for the year.
func (t *sqlTx) FindObligation(ctx context.Context, company, fiscalYear string) (*allocation.Obligation, error) {
	found, err := t.queryObligations(ctx, `company = ? AND fiscal_year = ?`, true, company, fiscalYear)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (t *sqlTx) UpsertObligation(ctx context.Context, o allocation.Obligation) error {
	_, err := t.q.ExecContext(ctx, t.d.Rebind(`
		INSERT INTO obligations (`+obligationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			year_start = excluded.year_start,
			year_end = excluded.year_end,
			amount_due = excluded.amount_due,
			amount_paid = excluded.amount_paid,
			amount_outstanding = excluded.amount_outstanding,
			status = excluded.status,
			payment_policy = excluded.payment_policy,
			updated_at = excluded.updated_at`),
		o.ID, o.Company, o.FiscalYear, sqldb.Date(o.YearStart), sqldb.Date(o.YearEnd), o.AmountDue, o.AmountPaid,
		o.AmountOutstanding, string(o.Status), o.PaymentPolicy, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert obligation: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateObligationCache(ctx context.Context, o allocation.Obligation) error {
	res, err := t.q.ExecContext(ctx, t.d.Rebind(`
		UPDATE obligations SET amount_paid = ?, amount_outstanding = ?, status = ?, updated_at = ?
		WHERE id = ?`),
		o.AmountPaid, o.AmountOutstanding, string(o.Status), o.UpdatedAt.UTC(), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("update_obligation", "id", "unknown obligation "+o.ID)
	}
	return nil
}

func (t *sqlTx) ReplaceSnapshots(ctx context.Context, obligationID string, rows []valuation.AssetGroupSnapshot) error {
	if _, err := t.q.ExecContext(ctx, t.d.Rebind(`DELETE FROM asset_group_snapshots WHERE obligation_id = ?`), obligationID); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	insert := t.d.Rebind(`
		INSERT INTO asset_group_snapshots
			(obligation_id, seq, group_kind, account, margin_spec, raw_balance, adjusted_value, entry_count, lookup_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, r := range rows {
		_, err := t.q.ExecContext(ctx, insert,
			obligationID, i, string(r.Group), r.Account, r.MarginSpec, r.RawBalance, r.AdjustedValue, r.EntryCount, r.LookupFailed)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
	}
	return nil
}

// LockSources takes a transaction-scoped advisory lock per company voucher on
// Postgres, in sorted order. SQLite write transactions already hold the database lock.
func (t *sqlTx) LockSources(ctx context.Context, company string, sourceIDs []string) error {
	if t.d != sqldb.Postgres {
		return nil
	}
	ids := append([]string(nil), sourceIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := t.q.ExecContext(ctx, fmt.Sprintf(`SELECT pg_advisory_xact_lock(%d, hashtext($1))`, sourceLockNamespace), sourceLockKey(company, id)); err != nil {
			return fmt.Errorf("failed to lock source %s: %w", id, err)
		}
	}
	return nil
}

func sourceLockKey(company, voucherNo string) string {
	return company + "\x1f" + voucherNo
}

func (t *sqlTx) AllocatedBySource(ctx context.Context, company string, sourceIDs []string) (map[string]decimal.Decimal, error) {
	return allocatedBy(ctx, t.q, t.d, "source_id", company, sourceIDs)
}

func (t *sqlTx) AllocatedByObligation(ctx context.Context, obligationIDs []string) (map[string]decimal.Decimal, error) {
	return allocatedBy(ctx, t.q, t.d, "obligation_id", "", obligationIDs)
}

func (t *sqlTx) InsertRecords(ctx context.Context, records []allocation.AllocationRecord) error {
	insert := t.d.Rebind(`
		INSERT INTO allocation_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range records {
		var cancelledAt any
		if r.CancelledAt != nil {
			cancelledAt = r.CancelledAt.UTC()
		}
		_, err := t.q.ExecContext(ctx, insert,
			r.ID, r.BatchID, r.Company, r.SourceID, r.ObligationID, r.AllocatedAmount, r.RemainderAfter,
			r.Timestamp.UTC(), r.Actor, r.Cancelled, cancelledAt, r.CancelledBy)
		if err != nil {
			return fmt.Errorf("failed to insert allocation record: %w", err)
		}
	}
	return nil
}

func (t *sqlTx) LockRecord(ctx context.Context, id string) (allocation.AllocationRecord, error) {
	row := t.q.QueryRowContext(ctx, t.d.Rebind(`SELECT `+recordColumns+` FROM allocation_records WHERE id = ?`+t.d.ForUpdate()), id)
	r, err := scanRecord(row)
	if err != nil {
		if sqldb.IsNoRows(err) {
			return r, apperr.NotFound("reverse_allocation", "record_id", "unknown allocation record "+id)
		}
		return r, fmt.Errorf("failed to read allocation record: %w", err)
	}
	return r, nil
}

func (t *sqlTx) CancelRecord(ctx context.Context, id, actor string, at time.Time) error {
	res, err := t.q.ExecContext(ctx, t.d.Rebind(`
		UPDATE allocation_records SET cancelled = ?, cancelled_at = ?, cancelled_by = ?
		WHERE id = ? AND cancelled = ?`), true, at.UTC(), actor, id, false)
	if err != nil {
		return fmt.Errorf("failed to cancel allocation record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to cancel allocation record: %w", err)
	}
	if n == 0 {
		return apperr.Conflict("reverse_allocation", errors.New("record "+id+" was cancelled concurrently"))
	}
	return nil
}
