package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment state of an obligation.
type Status string

const (
	StatusCalculated    Status = "Calculated"
	StatusPartiallyPaid Status = "Partially Paid"
	StatusPaid          Status = "Paid"
)

// DeriveStatus computes outstanding and status from the amount due and the sum of
// non-cancelled allocations. Outstanding at or below epsilon counts as paid.
func DeriveStatus(due, paid, epsilon decimal.Decimal) (decimal.Decimal, Status) {
	outstanding := decimal.Max(decimal.Zero, due.Sub(paid))
	switch {
	case outstanding.LessThanOrEqual(epsilon):
		return outstanding, StatusPaid
	case paid.IsPositive():
		return outstanding, StatusPartiallyPaid
	default:
		return outstanding, StatusCalculated
	}
}

// Obligation is the zakaah due for one company and fiscal year. AmountPaid,
// AmountOutstanding and Status cache the allocation ledger and are refreshed from it.
type Obligation struct {
	ID                string          `json:"id"`
	Company           string          `json:"company"`
	FiscalYear        string          `json:"fiscal_year"`
	YearStart         time.Time       `json:"year_start"`
	YearEnd           time.Time       `json:"year_end"`
	AmountDue         decimal.Decimal `json:"amount_due"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	AmountOutstanding decimal.Decimal `json:"amount_outstanding"`
	Status            Status          `json:"status"`
	PaymentPolicy     string          `json:"payment_policy,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Refresh recomputes the cached fields from paid and reports whether any changed.
func (o *Obligation) Refresh(paid, epsilon decimal.Decimal) bool {
	outstanding, status := DeriveStatus(o.AmountDue, paid, epsilon)
	changed := !o.AmountPaid.Equal(paid) || !o.AmountOutstanding.Equal(outstanding) || o.Status != status
	o.AmountPaid = paid
	o.AmountOutstanding = outstanding
	o.Status = status
	return changed
}

// PaymentEntry is a ledger debit voucher projected against the allocation ledger.
type PaymentEntry struct {
	SourceID         string          `json:"source_id"`
	Company          string          `json:"company"`
	PostingDate      time.Time       `json:"posting_date"`
	Accounts         []string        `json:"accounts,omitempty"`
	GrossDebit       decimal.Decimal `json:"gross_debit"`
	GrossCredit      decimal.Decimal `json:"gross_credit"`
	AlreadyAllocated decimal.Decimal `json:"already_allocated"`
	Unallocated      decimal.Decimal `json:"unallocated"`
	Remarks          string          `json:"remarks,omitempty"`
}

// AllocationRecord is an append-only allocation of part of a source to an obligation.
// Only the cancellation fields change after insert.
type AllocationRecord struct {
	ID              string          `json:"id"`
	BatchID         string          `json:"batch_id"`
	Company         string          `json:"company"`
	SourceID        string          `json:"source_id"`
	ObligationID    string          `json:"obligation_id"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	RemainderAfter  decimal.Decimal `json:"remainder_after"`
	Timestamp       time.Time       `json:"timestamp"`
	Actor           string          `json:"actor"`
	Cancelled       bool            `json:"cancelled"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy     string          `json:"cancelled_by,omitempty"`
}

// CarryForward is source residue left unallocated after every target was satisfied.
type CarryForward struct {
	SourceID string          `json:"source_id"`
	Residue  decimal.Decimal `json:"residue"`
}

// RecordFilter selects allocation records for history and re-derivation reads.
// Voucher numbers are unique per company only, so a SourceID filter is meaningful
// together with Company.
type RecordFilter struct {
	Company          string
	ObligationID     string
	SourceID         string
	IncludeCancelled bool
	Limit            int
}
