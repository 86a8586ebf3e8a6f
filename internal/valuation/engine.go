package valuation

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/metrics"
)

// FiscalYear is the resolved date pair of a named fiscal year.
type FiscalYear struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FiscalYearResolver resolves a fiscal year name to its boundary dates.
type FiscalYearResolver interface {
	Resolve(ctx context.Context, company, name string) (FiscalYear, error)
}

// BalanceSource answers balance questions against the general ledger.
type BalanceSource interface {
	// BalanceAsOf returns the signed balance of account up to and including date.
	BalanceAsOf(ctx context.Context, account string, date time.Time, company string) (decimal.Decimal, error)
	// TotalDebit sums non-cancelled debits on account posted within [from, to].
	TotalDebit(ctx context.Context, account, company string, from, to time.Time) (decimal.Decimal, int, error)
}

// DebitCoverage describes all non-cancelled postings of an account regardless of date.
type DebitCoverage struct {
	FirstPosting time.Time
	LastPosting  time.Time
	TotalDebit   decimal.Decimal
	NetMovement  decimal.Decimal
}

// CoverageSource is optionally implemented by a BalanceSource to explain an empty
// payment-account period.
type CoverageSource interface {
	DebitCoverage(ctx context.Context, account, company string) (DebitCoverage, error)
}

// PaymentPolicy decides how payment-group values enter the amount due.
type PaymentPolicy string

const (
	// PaymentAdditive adds payment-group values to the amount due.
	PaymentAdditive PaymentPolicy = "additive"
	// PaymentOffset subtracts payment-group values from the asset total, floored at zero.
	PaymentOffset PaymentPolicy = "offset"
)

func ParsePaymentPolicy(s string) (PaymentPolicy, error) {
	switch PaymentPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PaymentAdditive:
		return PaymentAdditive, nil
	case PaymentOffset:
		return PaymentOffset, nil
	default:
		return "", apperr.Validation("parse_payment_policy", "payment_policy", "must be additive or offset")
	}
}

// AssetGroupSnapshot is the valued row of one account for one fiscal year.
type AssetGroupSnapshot struct {
	Group         GroupKind       `json:"group"`
	Account       string          `json:"account"`
	MarginSpec    string          `json:"margin_spec,omitempty"`
	RawBalance    decimal.Decimal `json:"raw_balance"`
	AdjustedValue decimal.Decimal `json:"adjusted_value"`
	EntryCount    int             `json:"entry_count,omitempty"`
	LookupFailed  bool            `json:"lookup_failed,omitempty"`
}

// Valuation is the result of one valuation pass.
type Valuation struct {
	Company        string               `json:"company"`
	FiscalYear     FiscalYear           `json:"fiscal_year"`
	Policy         PaymentPolicy        `json:"payment_policy"`
	Rows           []AssetGroupSnapshot `json:"rows"`
	AssetTotal     decimal.Decimal      `json:"asset_total"`
	PaymentTotal   decimal.Decimal      `json:"payment_total"`
	AmountDue      decimal.Decimal      `json:"amount_due"`
	LookupFailures int                  `json:"lookup_failures"`
}

type Engine struct {
	balances  BalanceSource
	years     FiscalYearResolver
	policy    PaymentPolicy
	precision int32
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithPaymentPolicy(p PaymentPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithPrecision sets the number of decimal places adjusted values are rounded to.
func WithPrecision(places int32) Option {
	return func(e *Engine) { e.precision = places }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(balances BalanceSource, years FiscalYearResolver, opts ...Option) *Engine {
	e := &Engine{
		balances:  balances,
		years:     years,
		policy:    PaymentAdditive,
		precision: 2,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() PaymentPolicy { return e.policy }

// Valuate values every configured account for fiscalYear and totals the amount due.
// A failed balance lookup values that account at zero and the pass continues.
func (e *Engine) Valuate(ctx context.Context, cfg *Configuration, fiscalYear string) (*Valuation, error) {
	const op = "valuate"

	if cfg == nil || cfg.Company == "" {
		return nil, apperr.Validation(op, "company", "company is required")
	}
	if strings.TrimSpace(fiscalYear) == "" {
		return nil, apperr.Validation(op, "fiscal_year", "fiscal year is required")
	}

	fy, err := e.years.Resolve(ctx, cfg.Company, fiscalYear)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.Validation(op, "fiscal_year", "unknown fiscal year "+fiscalYear)
		}
		return nil, apperr.Lookup(op, "failed to resolve fiscal year "+fiscalYear, err)
	}

	v := &Valuation{
		Company:      cfg.Company,
		FiscalYear:   fy,
		Policy:       e.policy,
		AssetTotal:   decimal.Zero,
		PaymentTotal: decimal.Zero,
	}

	for _, kind := range GroupKinds() {
		for _, rule := range cfg.Groups[kind] {
			row := e.valueRow(ctx, cfg.Company, fy, kind, rule)
			if row.LookupFailed {
				v.LookupFailures++
			}
			if kind == GroupPayment {
				v.PaymentTotal = v.PaymentTotal.Add(row.AdjustedValue)
			} else {
				v.AssetTotal = v.AssetTotal.Add(row.AdjustedValue)
			}
			v.Rows = append(v.Rows, row)
		}
	}

	switch e.policy {
	case PaymentOffset:
		v.AmountDue = decimal.Max(decimal.Zero, v.AssetTotal.Sub(v.PaymentTotal))
	default:
		v.AmountDue = v.AssetTotal.Add(v.PaymentTotal)
	}

	e.metrics.ValuationCompleted()
	e.logger.Info("valuation completed",
		zap.String("company", cfg.Company),
		zap.String("fiscal_year", fy.Name),
		zap.String("payment_policy", string(e.policy)),
		zap.Int("rows", len(v.Rows)),
		zap.Int("lookup_failures", v.LookupFailures),
		zap.String("amount_due", v.AmountDue.StringFixed(e.precision)),
	)

	return v, nil
}

func (e *Engine) valueRow(ctx context.Context, company string, fy FiscalYear, kind GroupKind, rule AccountAdjustmentRule) AssetGroupSnapshot {
	row := AssetGroupSnapshot{
		Group:      kind,
		Account:    rule.Account,
		MarginSpec: rule.Margin.String(),
		RawBalance: decimal.Zero,
	}

	var err error
	if kind == GroupPayment {
		var debit decimal.Decimal
		debit, row.EntryCount, err = e.balances.TotalDebit(ctx, rule.Account, company, fy.Start, fy.End)
		if err == nil {
			row.RawBalance = debit
			if debit.IsZero() {
				e.explainEmptyPeriod(ctx, company, fy, rule.Account)
			}
		}
	} else {
		var balance decimal.Decimal
		balance, err = e.balances.BalanceAsOf(ctx, rule.Account, fy.End, company)
		if err == nil {
			row.RawBalance = balance.Abs()
		}
	}

	if err != nil {
		row.LookupFailed = true
		row.RawBalance = decimal.Zero
		e.metrics.LookupFailed(string(kind))
		e.logger.Warn("balance lookup failed; valuing account at zero",
			zap.String("company", company),
			zap.String("account", rule.Account),
			zap.String("group", string(kind)),
			zap.Time("year_start", fy.Start),
			zap.Time("year_end", fy.End),
			zap.Error(err),
		)
	}

	row.AdjustedValue = rule.Margin.Apply(row.RawBalance).Round(e.precision)
	return row
}

// explainEmptyPeriod logs where a payment account's debits are when none fall in the year.
func (e *Engine) explainEmptyPeriod(ctx context.Context, company string, fy FiscalYear, account string) {
	cs, ok := e.balances.(CoverageSource)
	if !ok {
		return
	}
	cov, err := cs.DebitCoverage(ctx, account, company)
	if err != nil || !cov.TotalDebit.IsPositive() {
		return
	}
	e.logger.Info("payment account has no debits in fiscal year but has debits at other dates",
		zap.String("company", company),
		zap.String("account", account),
		zap.Time("requested_from", fy.Start),
		zap.Time("requested_to", fy.End),
		zap.Time("available_from", cov.FirstPosting),
		zap.Time("available_to", cov.LastPosting),
		zap.String("total_debit_all_dates", cov.TotalDebit.String()),
		zap.String("net_movement", cov.NetMovement.String()),
	)
}
