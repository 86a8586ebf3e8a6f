package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/metrics"
	"github.com/example/zakaah-ledger/internal/valuation"
	"github.com/example/zakaah-ledger/pkg/audit"
)

// Auditor records committed state changes in the tamper-evident audit chain.
type Auditor interface {
	Record(e audit.Event) *audit.LogEntry
}

// Service exposes the obligation and allocation operations.
type Service struct {
	store       Store
	configs     ConfigStore
	engine      *valuation.Engine
	debits      DebitSource
	feed        *PaymentFeed
	locker      Locker
	auditor     Auditor
	epsilon     decimal.Decimal
	maxAttempts int
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	newID       func() string
}

type ServiceOption func(*Service)

func WithLocker(l Locker) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) { s.auditor = a }
}

// WithEpsilon sets the outstanding amount at or below which an obligation is paid.
func WithEpsilon(eps decimal.Decimal) ServiceOption {
	return func(s *Service) { s.epsilon = eps }
}

// WithMaxAttempts bounds how often a transaction is re-run after a serialization failure.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, configs ConfigStore, engine *valuation.Engine, debits DebitSource, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		configs:     configs,
		engine:      engine,
		debits:      debits,
		feed:        NewPaymentFeed(debits, store),
		locker:      noopLocker{},
		epsilon:     decimal.RequireFromString("0.01"),
		maxAttempts: 3,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveConfiguration validates and stores a company's asset configuration.
func (s *Service) SaveConfiguration(ctx context.Context, in valuation.ConfigurationInput) (*valuation.ValidationReport, error) {
	_, report, err := valuation.LoadConfiguration(in)
	if err != nil {
		return report, err
	}
	if err := s.configs.SaveConfiguration(ctx, in); err != nil {
		return report, fmt.Errorf("failed to save configuration: %w", err)
	}
	for _, w := range report.Warnings() {
		s.logger.Warn("asset configuration warning",
			zap.String("company", in.Company),
			zap.String("code", w.Code),
			zap.String("account", w.Account),
			zap.String("message", w.Message),
		)
	}
	return report, nil
}

func (s *Service) configuration(ctx context.Context, company string) (*valuation.Configuration, error) {
	in, err := s.configs.LoadConfiguration(ctx, company)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.Validation("load_configuration", "company", "no asset configuration for company "+company)
		}
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg, _, err := valuation.LoadConfiguration(in)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ComputeRequest asks for the obligation of a company and fiscal year.
type ComputeRequest struct {
	Company    string
	FiscalYear string
	Actor      string
}

type ComputeResult struct {
	Obligation Obligation           `json:"obligation"`
	Valuation  *valuation.Valuation `json:"valuation"`
}

// ComputeObligation values the company's configured accounts for the fiscal year and
// creates or updates the obligation, keeping its paid amount derived from the ledger.
func (s *Service) ComputeObligation(ctx context.Context, req ComputeRequest) (*ComputeResult, error) {
	const op = "compute_obligation"

	req.Company = strings.TrimSpace(req.Company)
	req.FiscalYear = strings.TrimSpace(req.FiscalYear)
	if req.Company == "" {
		return nil, apperr.Validation(op, "company", "company is required")
	}
	if req.FiscalYear == "" {
		return nil, apperr.Validation(op, "fiscal_year", "fiscal year is required")
	}

	cfg, err := s.configuration(ctx, req.Company)
	if err != nil {
		return nil, err
	}
	val, err := s.engine.Valuate(ctx, cfg, req.FiscalYear)
	if err != nil {
		return nil, err
	}

	var result *ComputeResult
	err = s.retry(ctx, op, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			now := s.now()
			existing, err := tx.FindObligation(ctx, req.Company, val.FiscalYear.Name)
			if err != nil {
				return err
			}

			var o Obligation
			if existing != nil {
				o = *existing
			} else {
				o = Obligation{
					ID:         s.newID(),
					Company:    req.Company,
					FiscalYear: val.FiscalYear.Name,
					CreatedAt:  now,
				}
			}
			o.YearStart = val.FiscalYear.Start
			o.YearEnd = val.FiscalYear.End
			o.PaymentPolicy = string(val.Policy)

			paid := decimal.Zero
			if existing != nil {
				sums, err := tx.AllocatedByObligation(ctx, []string{o.ID})
				if err != nil {
					return err
				}
				paid = sums[o.ID]
			}
			if val.AmountDue.LessThan(paid) {
				return apperr.Validation(op, "amount_due",
					fmt.Sprintf("recomputed amount due %s is below the %s already allocated; reverse allocations first", val.AmountDue, paid))
			}

			o.AmountDue = val.AmountDue
			o.Refresh(paid, s.epsilon)
			o.UpdatedAt = now

			if err := tx.UpsertObligation(ctx, o); err != nil {
				return err
			}
			if err := tx.ReplaceSnapshots(ctx, o.ID, val.Rows); err != nil {
				return err
			}
			result = &ComputeResult{Obligation: o, Valuation: val}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit(audit.Event{
		Kind:    "obligation_computed",
		Actor:   req.Actor,
		Subject: result.Obligation.ID,
		Attributes: map[string]string{
			"company":     req.Company,
			"fiscal_year": result.Obligation.FiscalYear,
			"amount_due":  result.Obligation.AmountDue.String(),
			"status":      string(result.Obligation.Status),
		},
	})
	return result, nil
}

// ListOutstandingObligations returns the company's obligations oldest first with
// paid, outstanding and status re-derived from the allocation ledger. Drifted
// caches are rewritten in the same transaction. Settled obligations are omitted
// unless includeSettled is set.
func (s *Service) ListOutstandingObligations(ctx context.Context, company string, includeSettled bool) ([]Obligation, error) {
	const op = "list_outstanding_obligations"

	company = strings.TrimSpace(company)
	if company == "" {
		return nil, apperr.Validation(op, "company", "company is required")
	}

	var out []Obligation
	err := s.retry(ctx, op, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			obligations, err := tx.ObligationsByCompany(ctx, company, true)
			if err != nil {
				return err
			}
			refreshed, err := s.refresh(ctx, tx, obligations)
			if err != nil {
				return err
			}

			out = out[:0]
			for _, o := range refreshed {
				if includeSettled || o.Status != StatusPaid {
					out = append(out, o)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortObligations(out)
	return out, nil
}

// Obligation returns one obligation with its cached fields re-derived.
func (s *Service) Obligation(ctx context.Context, id string) (*Obligation, error) {
	const op = "get_obligation"

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation(op, "id", "obligation id is required")
	}

	var out *Obligation
	err := s.retry(ctx, op, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			found, err := tx.Obligations(ctx, []string{id}, true)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				return apperr.NotFound(op, "id", "unknown obligation "+id)
			}
			refreshed, err := s.refresh(ctx, tx, found)
			if err != nil {
				return err
			}
			out = &refreshed[0]
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refresh re-derives cached fields and writes back those that drifted.
func (s *Service) refresh(ctx context.Context, tx Tx, obligations []Obligation) ([]Obligation, error) {
	if len(obligations) == 0 {
		return obligations, nil
	}
	ids := make([]string, len(obligations))
	for i, o := range obligations {
		ids[i] = o.ID
	}
	paid, err := tx.AllocatedByObligation(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range obligations {
		if obligations[i].Refresh(paid[obligations[i].ID], s.epsilon) {
			obligations[i].UpdatedAt = s.now()
			s.logger.Info("repaired obligation cache",
				zap.String("obligation_id", obligations[i].ID),
				zap.String("amount_paid", obligations[i].AmountPaid.String()),
				zap.String("status", string(obligations[i].Status)),
			)
			if err := tx.UpdateObligationCache(ctx, obligations[i]); err != nil {
				return nil, err
			}
		}
	}
	return obligations, nil
}

// PreviewRequest selects ledger debits to preview for allocation.
type PreviewRequest struct {
	Company  string
	From     time.Time
	To       time.Time
	Accounts []string
}

type Preview struct {
	Entries  []PaymentEntry `json:"entries"`
	Skipped  int            `json:"skipped_count"`
	Accounts []string       `json:"accounts"`
}

// PreviewUnallocatedPayments lists vouchers with unallocated debit in the range. With
// no accounts given it uses the payment accounts of the company's configuration.
func (s *Service) PreviewUnallocatedPayments(ctx context.Context, req PreviewRequest) (*Preview, error) {
	const op = "preview_unallocated_payments"

	req.Company = strings.TrimSpace(req.Company)
	if req.Company == "" {
		return nil, apperr.Validation(op, "company", "company is required")
	}
	if req.From.IsZero() || req.To.IsZero() {
		return nil, apperr.Validation(op, "date_range", "from and to dates are required")
	}
	if req.To.Before(req.From) {
		return nil, apperr.Validation(op, "date_range", "to date is before from date")
	}

	accounts := req.Accounts
	if len(accounts) == 0 {
		cfg, err := s.configuration(ctx, req.Company)
		if err != nil {
			return nil, err
		}
		accounts = cfg.PaymentAccounts()
		if len(accounts) == 0 {
			return nil, apperr.Validation(op, "accounts", "no accounts given and no payment accounts configured")
		}
	}

	entries, skipped, err := s.feed.UnallocatedDebits(ctx, req.Company, req.From, req.To, accounts)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []PaymentEntry{}
	}
	return &Preview{Entries: entries, Skipped: skipped, Accounts: accounts}, nil
}

// AllocateRequest selects payment sources and obligations to match.
type AllocateRequest struct {
	Company       string
	SourceIDs     []string
	ObligationIDs []string
	// Accounts restricts which postings of each voucher count as payment. Empty
	// means the company's configured payment accounts, or all debits when none.
	Accounts []string
	Actor    string
}

type AllocationResult struct {
	BatchID            string             `json:"batch_id"`
	Records            []AllocationRecord `json:"records"`
	Obligations        []Obligation       `json:"obligations"`
	CarryForward       []CarryForward     `json:"carry_forward"`
	TotalAllocated     decimal.Decimal    `json:"total_allocated"`
	SkippedSources     []string           `json:"skipped_sources,omitempty"`
	SkippedObligations []string           `json:"skipped_obligations,omitempty"`
}

// Allocate matches the selected sources against the selected obligations. Source
// and obligation remainders are re-derived inside the transaction, so re-running a
// committed request allocates nothing new.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (*AllocationResult, error) {
	const op = "allocate"

	req.Company = strings.TrimSpace(req.Company)
	req.SourceIDs = dedupe(req.SourceIDs)
	req.ObligationIDs = dedupe(req.ObligationIDs)
	switch {
	case req.Company == "":
		return nil, apperr.Validation(op, "company", "company is required")
	case req.Actor == "":
		return nil, apperr.Validation(op, "actor", "acting identity is required")
	case len(req.SourceIDs) == 0:
		return nil, apperr.Validation(op, "source_ids", "at least one payment source is required")
	case len(req.ObligationIDs) == 0:
		return nil, apperr.Validation(op, "obligation_ids", "at least one obligation is required")
	}

	accounts := req.Accounts
	if len(accounts) == 0 {
		if cfg, err := s.configuration(ctx, req.Company); err == nil {
			accounts = cfg.PaymentAccounts()
		} else if !apperr.IsKind(err, apperr.KindValidation) {
			return nil, err
		}
	}

	var result *AllocationResult
	err := s.locker.WithLock(ctx, "zakaah:allocate:"+req.Company, func(ctx context.Context) error {
		return s.retry(ctx, op, func(ctx context.Context) error {
			return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				r, err := s.allocateTx(ctx, tx, req, accounts)
				if err != nil {
					return err
				}
				result = r
				return nil
			})
		})
	})
	if err != nil {
		s.metrics.AllocationFailed()
		s.logger.Warn("allocation failed",
			zap.String("company", req.Company),
			zap.String("actor", req.Actor),
			zap.Strings("source_ids", req.SourceIDs),
			zap.Strings("obligation_ids", req.ObligationIDs),
			zap.Error(err),
		)
		return nil, err
	}

	residue := decimal.Zero
	for _, c := range result.CarryForward {
		residue = residue.Add(c.Residue)
	}
	s.metrics.AllocationCommitted(len(result.Records), result.TotalAllocated.InexactFloat64(), residue.InexactFloat64())
	s.logger.Info("allocation committed",
		zap.String("batch_id", result.BatchID),
		zap.String("company", req.Company),
		zap.String("actor", req.Actor),
		zap.Int("records", len(result.Records)),
		zap.String("total_allocated", result.TotalAllocated.String()),
		zap.String("carry_forward", residue.String()),
	)
	if len(result.Records) > 0 {
		s.audit(audit.Event{
			Kind:    "allocation_committed",
			Actor:   req.Actor,
			Subject: result.BatchID,
			Attributes: map[string]string{
				"company":         req.Company,
				"records":         fmt.Sprint(len(result.Records)),
				"total_allocated": result.TotalAllocated.String(),
				"carry_forward":   residue.String(),
			},
		})
	}
	return result, nil
}

// allocateTx reads gross voucher debits with the transaction's context, so a
// ledger sharing the store's database sees the vouchers as of this transaction.
func (s *Service) allocateTx(ctx context.Context, tx Tx, req AllocateRequest, accounts []string) (*AllocationResult, error) {
	const op = "allocate"

	obligations, err := tx.Obligations(ctx, req.ObligationIDs, true)
	if err != nil {
		return nil, err
	}
	if missing := missingObligations(req.ObligationIDs, obligations); len(missing) > 0 {
		return nil, apperr.NotFound(op, "obligation_ids", "unknown obligations: "+strings.Join(missing, ", "))
	}
	for _, o := range obligations {
		if o.Company != req.Company {
			return nil, apperr.Validation(op, "obligation_ids", fmt.Sprintf("obligation %s belongs to company %s", o.ID, o.Company))
		}
	}

	ids := make([]string, len(obligations))
	for i, o := range obligations {
		ids[i] = o.ID
	}
	paid, err := tx.AllocatedByObligation(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range obligations {
		obligations[i].Refresh(paid[obligations[i].ID], s.epsilon)
	}

	if err := tx.LockSources(ctx, req.Company, req.SourceIDs); err != nil {
		return nil, err
	}
	gross, err := s.debits.VoucherDebits(ctx, req.Company, req.SourceIDs, accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment vouchers: %w", err)
	}
	if missing := missingSources(req.SourceIDs, gross); len(missing) > 0 {
		return nil, apperr.NotFound(op, "source_ids", "unknown payment sources: "+strings.Join(missing, ", "))
	}
	allocated, err := tx.AllocatedBySource(ctx, req.Company, req.SourceIDs)
	if err != nil {
		return nil, err
	}
	sources := Project(gross, allocated)

	result := &AllocationResult{
		BatchID:        s.newID(),
		TotalAllocated: decimal.Zero,
		Records:        []AllocationRecord{},
		CarryForward:   []CarryForward{},
	}
	for _, src := range sources {
		if src.Unallocated.IsNegative() {
			return nil, apperr.Conservation(op, fmt.Sprintf("source %s has %s allocated against a gross debit of %s", src.SourceID, src.AlreadyAllocated, src.GrossDebit))
		}
		if src.Unallocated.IsZero() {
			result.SkippedSources = append(result.SkippedSources, src.SourceID)
		}
	}
	for _, o := range obligations {
		if !o.AmountOutstanding.IsPositive() {
			result.SkippedObligations = append(result.SkippedObligations, o.ID)
		}
	}

	plan, err := Match(sources, obligations)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, a := range plan.Assignments {
		result.Records = append(result.Records, AllocationRecord{
			ID:              s.newID(),
			BatchID:         result.BatchID,
			Company:         req.Company,
			SourceID:        a.SourceID,
			ObligationID:    a.ObligationID,
			AllocatedAmount: a.Amount,
			RemainderAfter:  a.SourceRemainder,
			Timestamp:       now,
			Actor:           req.Actor,
		})
	}
	if len(result.Records) > 0 {
		if err := tx.InsertRecords(ctx, result.Records); err != nil {
			return nil, err
		}
	}

	for i := range obligations {
		o := &obligations[i]
		applied := plan.Applied[o.ID]
		changed := o.Refresh(paid[o.ID].Add(applied), s.epsilon)
		if changed || applied.IsPositive() {
			o.UpdatedAt = now
			if err := tx.UpdateObligationCache(ctx, *o); err != nil {
				return nil, err
			}
		}
	}
	sortObligations(obligations)

	result.Obligations = obligations
	result.CarryForward = append(result.CarryForward, plan.CarryForward...)
	result.TotalAllocated = plan.TotalAllocated
	return result, nil
}

// ReverseRequest cancels one allocation record.
type ReverseRequest struct {
	RecordID string
	Actor    string
}

type ReversalResult struct {
	Record           AllocationRecord `json:"record"`
	Obligation       Obligation       `json:"obligation"`
	AlreadyCancelled bool             `json:"already_cancelled"`
}

// ReverseAllocation flags a record cancelled and re-derives its obligation from the
// remaining records. Reversing a cancelled record changes nothing.
func (s *Service) ReverseAllocation(ctx context.Context, req ReverseRequest) (*ReversalResult, error) {
	const op = "reverse_allocation"

	req.RecordID = strings.TrimSpace(req.RecordID)
	if req.RecordID == "" {
		return nil, apperr.Validation(op, "record_id", "record id is required")
	}
	if req.Actor == "" {
		return nil, apperr.Validation(op, "actor", "acting identity is required")
	}

	var result *ReversalResult
	err := s.retry(ctx, op, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			rec, err := tx.LockRecord(ctx, req.RecordID)
			if err != nil {
				return err
			}

			obligations, err := tx.Obligations(ctx, []string{rec.ObligationID}, true)
			if err != nil {
				return err
			}
			if len(obligations) != 1 {
				return apperr.Conservation(op, fmt.Sprintf("record %s references missing obligation %s", rec.ID, rec.ObligationID))
			}
			o := obligations[0]

			if rec.Cancelled {
				result = &ReversalResult{Record: rec, Obligation: o, AlreadyCancelled: true}
				return nil
			}

			now := s.now()
			if err := tx.CancelRecord(ctx, rec.ID, req.Actor, now); err != nil {
				return err
			}
			rec.Cancelled = true
			rec.CancelledAt = &now
			rec.CancelledBy = req.Actor

			paid, err := tx.AllocatedByObligation(ctx, []string{o.ID})
			if err != nil {
				return err
			}
			o.Refresh(paid[o.ID], s.epsilon)
			o.UpdatedAt = now
			if err := tx.UpdateObligationCache(ctx, o); err != nil {
				return err
			}

			result = &ReversalResult{Record: rec, Obligation: o}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyCancelled {
		s.metrics.Reversed()
		s.logger.Info("allocation reversed",
			zap.String("record_id", result.Record.ID),
			zap.String("obligation_id", result.Obligation.ID),
			zap.String("actor", req.Actor),
			zap.String("amount", result.Record.AllocatedAmount.String()),
		)
		s.audit(audit.Event{
			Kind:    "allocation_reversed",
			Actor:   req.Actor,
			Subject: result.Record.ID,
			Attributes: map[string]string{
				"obligation_id": result.Obligation.ID,
				"source_id":     result.Record.SourceID,
				"amount":        result.Record.AllocatedAmount.String(),
				"status":        string(result.Obligation.Status),
			},
		})
	}
	return result, nil
}

// AllocationHistory returns records for an obligation or a company's source,
// newest first.
func (s *Service) AllocationHistory(ctx context.Context, filter RecordFilter) ([]AllocationRecord, error) {
	filter.Company = strings.TrimSpace(filter.Company)
	if filter.ObligationID == "" && filter.SourceID == "" {
		return nil, apperr.Validation("allocation_history", "filter", "obligation or source is required")
	}
	if filter.SourceID != "" && filter.Company == "" {
		return nil, apperr.Validation("allocation_history", "company", "company is required to filter by source")
	}
	records, err := s.store.RecordsFor(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// ReconciliationStatus summarises a batch of obligations using ledger-derived amounts.
// Without obligation IDs the batch is every obligation of the company.
func (s *Service) ReconciliationStatus(ctx context.Context, company string, obligationIDs []string) (BatchSummary, error) {
	const op = "reconciliation_status"

	company = strings.TrimSpace(company)
	obligationIDs = dedupe(obligationIDs)
	if company == "" && len(obligationIDs) == 0 {
		return BatchSummary{}, apperr.Validation(op, "obligation_ids", "company or obligations are required")
	}

	var summary BatchSummary
	err := s.retry(ctx, op, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			var obligations []Obligation
			var err error
			if len(obligationIDs) == 0 {
				obligations, err = tx.ObligationsByCompany(ctx, company, false)
			} else {
				obligations, err = tx.Obligations(ctx, obligationIDs, false)
			}
			if err != nil {
				return err
			}
			if missing := missingObligations(obligationIDs, obligations); len(missing) > 0 {
				return apperr.NotFound(op, "obligation_ids", "unknown obligations: "+strings.Join(missing, ", "))
			}
			for _, o := range obligations {
				if company != "" && o.Company != company {
					return apperr.Validation(op, "obligation_ids", fmt.Sprintf("obligation %s belongs to company %s", o.ID, o.Company))
				}
			}
			ids := make([]string, len(obligations))
			for i, o := range obligations {
				ids[i] = o.ID
			}
			paid, err := tx.AllocatedByObligation(ctx, ids)
			if err != nil {
				return err
			}
			for i := range obligations {
				obligations[i].Refresh(paid[obligations[i].ID], s.epsilon)
			}
			summary = Reconcile(obligations, s.epsilon)
			return nil
		})
	})
	return summary, err
}

// Snapshots returns the valued rows stored with an obligation.
func (s *Service) Snapshots(ctx context.Context, obligationID string) ([]valuation.AssetGroupSnapshot, error) {
	return s.store.Snapshots(ctx, obligationID)
}

// retry re-runs fn after a concurrency conflict, backing off between attempts.
func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !apperr.IsKind(err, apperr.KindConcurrency) {
			return err
		}

		s.metrics.Conflict()
		s.logger.Warn("concurrency conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt == s.maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func (s *Service) audit(e audit.Event) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(e)
}

func sortObligations(obligations []Obligation) {
	sort.Slice(obligations, func(i, j int) bool {
		if !obligations[i].YearStart.Equal(obligations[j].YearStart) {
			return obligations[i].YearStart.Before(obligations[j].YearStart)
		}
		return obligations[i].ID < obligations[j].ID
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func missingSources(ids []string, entries []PaymentEntry) []string {
	found := make(map[string]bool, len(entries))
	for _, e := range entries {
		found[e.SourceID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func missingObligations(ids []string, obligations []Obligation) []string {
	found := make(map[string]bool, len(obligations))
	for _, o := range obligations {
		found[o.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
