package allocation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/zakaah-ledger/internal/valuation"
)

// Store persists obligations, snapshots and allocation records. WithinTx runs fn in
// one transaction: everything fn writes commits together or not at all. A
// serialization failure surfaces as an apperr ConcurrencyConflict.
type Store interface {
	AllocationLedger
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Snapshots(ctx context.Context, obligationID string) ([]valuation.AssetGroupSnapshot, error)
}

// Tx is the transactional view used by the service. Methods taking forUpdate lock
// the returned rows until the transaction ends.
type Tx interface {
	Obligations(ctx context.Context, ids []string, forUpdate bool) ([]Obligation, error)
	ObligationsByCompany(ctx context.Context, company string, forUpdate bool) ([]Obligation, error)
	FindObligation(ctx context.Context, company, fiscalYear string) (*Obligation, error)
	UpsertObligation(ctx context.Context, o Obligation) error
	UpdateObligationCache(ctx context.Context, o Obligation) error
	ReplaceSnapshots(ctx context.Context, obligationID string, rows []valuation.AssetGroupSnapshot) error

	// LockSources serialises concurrent allocation against the same vouchers of a company.
	LockSources(ctx context.Context, company string, sourceIDs []string) error
	AllocatedBySource(ctx context.Context, company string, sourceIDs []string) (map[string]decimal.Decimal, error)
	AllocatedByObligation(ctx context.Context, obligationIDs []string) (map[string]decimal.Decimal, error)
	InsertRecords(ctx context.Context, records []AllocationRecord) error
	LockRecord(ctx context.Context, id string) (AllocationRecord, error)
	CancelRecord(ctx context.Context, id, actor string, at time.Time) error
}

// ConfigStore persists per-company asset configurations in their unparsed form.
type ConfigStore interface {
	LoadConfiguration(ctx context.Context, company string) (valuation.ConfigurationInput, error)
	SaveConfiguration(ctx context.Context, in valuation.ConfigurationInput) error
}

// Locker serialises work on a key across service instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type noopLocker struct{}

func (noopLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
