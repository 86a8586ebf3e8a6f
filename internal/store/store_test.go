package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/sqldb"
	"github.com/example/zakaah-ledger/internal/valuation"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.SQLite, ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are idempotent")
	return s
}

func testObligation(id, year string, due string) allocation.Obligation {
	y, _ := time.Parse("2006", year)
	o := allocation.Obligation{
		ID:            id,
		Company:       "Acme",
		FiscalYear:    year,
		YearStart:     y,
		YearEnd:       y.AddDate(1, 0, -1),
		AmountDue:     d(due),
		PaymentPolicy: "additive",
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	o.Refresh(decimal.Zero, d("0.01"))
	return o
}

func insertObligations(t *testing.T, s *SQLStore, obligations ...allocation.Obligation) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx allocation.Tx) error {
		for _, o := range obligations {
			if err := tx.UpsertObligation(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestObligationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertObligations(t, s, testObligation("ob-2024", "2024", "500"), testObligation("ob-2023", "2023", "300.25"))

	err := s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		all, err := tx.ObligationsByCompany(ctx, "Acme", true)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "ob-2023", all[0].ID, "ordered by fiscal year start")
		assert.True(t, all[0].AmountDue.Equal(d("300.25")))
		assert.Equal(t, allocation.StatusCalculated, all[0].Status)
		assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), all[0].YearEnd)
		assert.True(t, t0.Equal(all[0].CreatedAt))

		found, err := tx.FindObligation(ctx, "Acme", "2024")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "ob-2024", found.ID)

		missing, err := tx.FindObligation(ctx, "Acme", "1999")
		require.NoError(t, err)
		assert.Nil(t, missing)

		some, err := tx.Obligations(ctx, []string{"ob-2024", "nope"}, false)
		require.NoError(t, err)
		require.Len(t, some, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestUpsertKeepsIdentityAndUpdatesAmounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := testObligation("ob-1", "2024", "500")
	insertObligations(t, s, o)

	o.AmountDue = d("650")
	o.Refresh(d("100"), d("0.01"))
	o.UpdatedAt = t0.Add(time.Hour)
	insertObligations(t, s, o)

	err := s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		got, err := tx.Obligations(ctx, []string{"ob-1"}, false)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].AmountDue.Equal(d("650")))
		assert.True(t, got[0].AmountOutstanding.Equal(d("550")))
		assert.Equal(t, allocation.StatusPartiallyPaid, got[0].Status)
		assert.True(t, t0.Equal(got[0].CreatedAt))
		return nil
	})
	require.NoError(t, err)

	dup := testObligation("ob-other", "2024", "1")
	err = s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		return tx.UpsertObligation(ctx, dup)
	})
	assert.Error(t, err, "one obligation per company and fiscal year")
}

func TestRecordsAndReversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertObligations(t, s, testObligation("ob-1", "2023", "300"), testObligation("ob-2", "2024", "500"))

	records := []allocation.AllocationRecord{
		{ID: "r1", BatchID: "b1", Company: "Acme", SourceID: "PAY-1", ObligationID: "ob-1", AllocatedAmount: d("300"), RemainderAfter: d("400"), Timestamp: t0, Actor: "alice"},
		{ID: "r2", BatchID: "b1", Company: "Acme", SourceID: "PAY-1", ObligationID: "ob-2", AllocatedAmount: d("400"), RemainderAfter: d("0"), Timestamp: t0, Actor: "alice"},
		{ID: "r3", BatchID: "b2", Company: "Acme", SourceID: "PAY-2", ObligationID: "ob-2", AllocatedAmount: d("50.50"), RemainderAfter: d("0"), Timestamp: t0.Add(time.Minute), Actor: "bob"},
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		return tx.InsertRecords(ctx, records)
	}))

	bySource, err := s.AllocatedBySource(ctx, "Acme", []string{"PAY-1", "PAY-2", "PAY-3"})
	require.NoError(t, err)
	assert.True(t, bySource["PAY-1"].Equal(d("700")))
	assert.True(t, bySource["PAY-2"].Equal(d("50.50")))
	assert.True(t, bySource["PAY-3"].IsZero())

	at := t0.Add(time.Hour)
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		rec, err := tx.LockRecord(ctx, "r2")
		require.NoError(t, err)
		assert.False(t, rec.Cancelled)
		assert.True(t, t0.Equal(rec.Timestamp))
		return tx.CancelRecord(ctx, "r2", "carol", at)
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		byObligation, err := tx.AllocatedByObligation(ctx, []string{"ob-1", "ob-2"})
		require.NoError(t, err)
		assert.True(t, byObligation["ob-1"].Equal(d("300")))
		assert.True(t, byObligation["ob-2"].Equal(d("50.50")), "cancelled records do not count")

		rec, err := tx.LockRecord(ctx, "r2")
		require.NoError(t, err)
		assert.True(t, rec.Cancelled)
		require.NotNil(t, rec.CancelledAt)
		assert.True(t, at.Equal(*rec.CancelledAt))
		assert.Equal(t, "carol", rec.CancelledBy)

		err = tx.CancelRecord(ctx, "r2", "carol", at)
		assert.True(t, apperr.IsKind(err, apperr.KindConcurrency))
		return nil
	}))

	history, err := s.RecordsFor(ctx, allocation.RecordFilter{ObligationID: "ob-2"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "r3", history[0].ID)

	history, err = s.RecordsFor(ctx, allocation.RecordFilter{ObligationID: "ob-2", IncludeCancelled: true})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	history, err = s.RecordsFor(ctx, allocation.RecordFilter{Company: "Acme", SourceID: "PAY-1", IncludeCancelled: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRecordsScopedByCompany(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acme := testObligation("ob-acme", "2024", "1000")
	globex := testObligation("ob-globex", "2024", "100")
	globex.Company = "Globex"
	insertObligations(t, s, acme, globex)

	records := []allocation.AllocationRecord{
		{ID: "r1", BatchID: "b1", Company: "Acme", SourceID: "PAY-1", ObligationID: "ob-acme", AllocatedAmount: d("700"), RemainderAfter: d("0"), Timestamp: t0, Actor: "alice"},
		{ID: "r2", BatchID: "b2", Company: "Globex", SourceID: "PAY-1", ObligationID: "ob-globex", AllocatedAmount: d("20"), RemainderAfter: d("70"), Timestamp: t0, Actor: "bob"},
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		return tx.InsertRecords(ctx, records)
	}))

	acmeTotals, err := s.AllocatedBySource(ctx, "Acme", []string{"PAY-1"})
	require.NoError(t, err)
	assert.True(t, acmeTotals["PAY-1"].Equal(d("700")), "got %s", acmeTotals["PAY-1"])

	globexTotals, err := s.AllocatedBySource(ctx, "Globex", []string{"PAY-1"})
	require.NoError(t, err)
	assert.True(t, globexTotals["PAY-1"].Equal(d("20")), "got %s", globexTotals["PAY-1"])

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		require.NoError(t, tx.LockSources(ctx, "Globex", []string{"PAY-1"}))
		got, err := tx.AllocatedBySource(ctx, "Globex", []string{"PAY-1"})
		require.NoError(t, err)
		assert.True(t, got["PAY-1"].Equal(d("20")))
		return nil
	}))

	history, err := s.RecordsFor(ctx, allocation.RecordFilter{Company: "Globex", SourceID: "PAY-1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "r2", history[0].ID)
	assert.Equal(t, "Globex", history[0].Company)
}

func TestLockRecordUnknown(t *testing.T) {
	s := newTestStore(t)
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx allocation.Tx) error {
		_, err := tx.LockRecord(ctx, "missing")
		return err
	})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRecordsRequireObligation(t *testing.T) {
	s := newTestStore(t)
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx allocation.Tx) error {
		return tx.InsertRecords(ctx, []allocation.AllocationRecord{
			{ID: "r1", BatchID: "b1", Company: "Acme", SourceID: "PAY-1", ObligationID: "ghost", AllocatedAmount: d("1"), RemainderAfter: d("0"), Timestamp: t0, Actor: "alice"},
		})
	})
	assert.Error(t, err)
}

func TestWithinTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		if err := tx.UpsertObligation(ctx, testObligation("ob-1", "2024", "500")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
		got, err := tx.ObligationsByCompany(ctx, "Acme", false)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertObligations(t, s, testObligation("ob-1", "2024", "500"))

	rows := []valuation.AssetGroupSnapshot{
		{Group: valuation.GroupCash, Account: "Cash", RawBalance: d("1000"), AdjustedValue: d("1000")},
		{Group: valuation.GroupInventory, Account: "Stock", MarginSpec: "10%", RawBalance: d("200"), AdjustedValue: d("220")},
		{Group: valuation.GroupPayment, Account: "Zakaah Payable", RawBalance: d("0"), AdjustedValue: d("25"), EntryCount: 2, LookupFailed: true},
	}
	replace := func(rows []valuation.AssetGroupSnapshot) {
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx allocation.Tx) error {
			return tx.ReplaceSnapshots(ctx, "ob-1", rows)
		}))
	}

	replace(rows)
	got, err := s.Snapshots(ctx, "ob-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Stock", got[1].Account)
	assert.Equal(t, "10%", got[1].MarginSpec)
	assert.True(t, got[1].AdjustedValue.Equal(d("220")))
	assert.Equal(t, 2, got[2].EntryCount)
	assert.True(t, got[2].LookupFailed)

	replace(rows[:1])
	got, err = s.Snapshots(ctx, "ob-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.Snapshots(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConfigurationPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadConfiguration(ctx, "Acme")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	in := valuation.ConfigurationInput{
		Company: "Acme",
		Groups: map[valuation.GroupKind][]valuation.RuleInput{
			valuation.GroupCash:      {{Account: "Cash"}, {Account: "Bank"}},
			valuation.GroupInventory: {{Account: "Stock", MarginSpec: "10%"}},
		},
	}
	require.NoError(t, s.SaveConfiguration(ctx, in))

	got, err := s.LoadConfiguration(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	in.Groups = map[valuation.GroupKind][]valuation.RuleInput{
		valuation.GroupPayment: {{Account: "Zakaah Payable"}},
	}
	require.NoError(t, s.SaveConfiguration(ctx, in))
	got, err = s.LoadConfiguration(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, in, got, "saving replaces the previous rules")
}
