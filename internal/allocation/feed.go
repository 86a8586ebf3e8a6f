package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DebitSource reads payment vouchers from the general ledger. Returned entries carry
// gross amounts only; allocation state is applied by the caller.
type DebitSource interface {
	// DebitsInRange groups non-cancelled debit postings on accounts within [from, to] by voucher.
	DebitsInRange(ctx context.Context, company string, from, to time.Time, accounts []string) ([]PaymentEntry, error)
	// VoucherDebits returns the gross debit of each named voucher. An empty accounts
	// list does not restrict the postings considered.
	VoucherDebits(ctx context.Context, company string, sourceIDs []string, accounts []string) ([]PaymentEntry, error)
}

// AllocationLedger is the read side of the allocation record set. Only non-cancelled
// records count unless the filter asks otherwise. Sources are identified by company
// and voucher number.
type AllocationLedger interface {
	RecordsFor(ctx context.Context, filter RecordFilter) ([]AllocationRecord, error)
	AllocatedBySource(ctx context.Context, company string, sourceIDs []string) (map[string]decimal.Decimal, error)
}

// PaymentFeed projects ledger debits against the allocation ledger at call time.
type PaymentFeed struct {
	debits DebitSource
	ledger AllocationLedger
}

func NewPaymentFeed(debits DebitSource, ledger AllocationLedger) *PaymentFeed {
	return &PaymentFeed{debits: debits, ledger: ledger}
}

// UnallocatedDebits returns vouchers with something left to allocate, oldest first,
// and the number of vouchers skipped because they are fully allocated.
func (f *PaymentFeed) UnallocatedDebits(ctx context.Context, company string, from, to time.Time, accounts []string) ([]PaymentEntry, int, error) {
	entries, err := f.debits.DebitsInRange(ctx, company, from, to, accounts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read ledger debits: %w", err)
	}
	if len(entries) == 0 {
		return nil, 0, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.SourceID
	}
	allocated, err := f.ledger.AllocatedBySource(ctx, company, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read allocated amounts: %w", err)
	}

	out := make([]PaymentEntry, 0, len(entries))
	skipped := 0
	for _, e := range Project(entries, allocated) {
		if !e.Unallocated.IsPositive() {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, skipped, nil
}

// Project fills AlreadyAllocated and Unallocated from per-source allocated sums.
func Project(entries []PaymentEntry, allocated map[string]decimal.Decimal) []PaymentEntry {
	out := make([]PaymentEntry, len(entries))
	for i, e := range entries {
		e.AlreadyAllocated = allocated[e.SourceID]
		e.Unallocated = e.GrossDebit.Sub(e.AlreadyAllocated)
		out[i] = e
	}
	return out
}
