package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/sqldb"
	"github.com/example/zakaah-ledger/internal/valuation"
)

// Account represents a general ledger account
type Account struct {
	Name        string    `json:"name"`
	Company     string    `json:"company"`
	AccountType string    `json:"account_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Line is one side of a voucher. Exactly one of Debit and Credit is positive.
type Line struct {
	Account string          `json:"account"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
}

// Voucher is a balanced set of postings made on one date.
type Voucher struct {
	No          string    `json:"voucher_no"`
	Company     string    `json:"company"`
	PostingDate time.Time `json:"posting_date"`
	Remarks     string    `json:"remarks,omitempty"`
	Lines       []Line    `json:"lines"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS gl_accounts (
		company TEXT NOT NULL,
		name TEXT NOT NULL,
		account_type TEXT NOT NULL CHECK (account_type IN ('asset', 'liability', 'equity', 'income', 'expense')),
		created_at {{timestamp}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (company, name)
	)`,
	`CREATE TABLE IF NOT EXISTS fiscal_years (
		company TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		year_start DATE NOT NULL,
		year_end DATE NOT NULL,
		PRIMARY KEY (company, name),
		CHECK (year_end >= year_start)
	)`,
	`CREATE TABLE IF NOT EXISTS gl_entries (
		id TEXT PRIMARY KEY,
		voucher_no TEXT NOT NULL,
		company TEXT NOT NULL,
		account TEXT NOT NULL,
		posting_date DATE NOT NULL,
		debit {{amount}} NOT NULL,
		credit {{amount}} NOT NULL,
		is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		remarks TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (company, account) REFERENCES gl_accounts (company, name)
	)`,
	`CREATE INDEX IF NOT EXISTS gl_entries_account_date ON gl_entries (company, account, posting_date)`,
	`CREATE INDEX IF NOT EXISTS gl_entries_voucher ON gl_entries (company, voucher_no)`,
}

// GeneralLedger reads and records postings in the general ledger tables. It is the
// balance, fiscal year and payment debit source of the valuation and allocation
// services.
type GeneralLedger struct {
	db    *sqldb.DB
	now   func() time.Time
	newID func() string
}

var (
	_ valuation.BalanceSource      = (*GeneralLedger)(nil)
	_ valuation.CoverageSource     = (*GeneralLedger)(nil)
	_ valuation.FiscalYearResolver = (*GeneralLedger)(nil)
	_ allocation.DebitSource       = (*GeneralLedger)(nil)
)

// New creates a general ledger over db.
func New(db *sqldb.DB) *GeneralLedger {
	return &GeneralLedger{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Migrate creates the ledger tables if they are missing.
func (g *GeneralLedger) Migrate(ctx context.Context) error {
	if err := sqldb.Migrate(ctx, g.db, g.db.Dialect.Schema(schema...)); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return nil
}

func (g *GeneralLedger) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.db.Timeout)
}

// CreateAccount registers an account for a company.
func (g *GeneralLedger) CreateAccount(ctx context.Context, a Account) (*Account, error) {
	const op = "create_account"

	a.Name = strings.TrimSpace(a.Name)
	a.Company = strings.TrimSpace(a.Company)
	if a.Name == "" {
		return nil, apperr.Validation(op, "name", "account name is required")
	}
	if a.Company == "" {
		return nil, apperr.Validation(op, "company", "company is required")
	}
	if r := ValidateAccountType(a.AccountType); !r.IsValid {
		return nil, apperr.Validation(op, r.Field, r.Message)
	}
	a.CreatedAt = g.now()

	err := g.db.WithinTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, g.db.Rebind(
			`SELECT COUNT(*) FROM gl_accounts WHERE company = ? AND name = ?`), a.Company, a.Name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check account existence: %w", err)
		}
		if exists > 0 {
			return apperr.Validation(op, "name", fmt.Sprintf("account %s already exists for %s", a.Name, a.Company))
		}
		_, err = tx.ExecContext(ctx, g.db.Rebind(
			`INSERT INTO gl_accounts (company, name, account_type, created_at) VALUES (?, ?, ?, ?)`),
			a.Company, a.Name, a.AccountType, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateFiscalYear defines a fiscal year. An empty company makes it shared by all
// companies; a company-specific year of the same name takes precedence.
func (g *GeneralLedger) CreateFiscalYear(ctx context.Context, company string, fy valuation.FiscalYear) error {
	const op = "create_fiscal_year"

	fy.Name = strings.TrimSpace(fy.Name)
	if fy.Name == "" {
		return apperr.Validation(op, "name", "fiscal year name is required")
	}
	if fy.Start.IsZero() || fy.End.IsZero() {
		return apperr.Validation(op, "dates", "fiscal year start and end are required")
	}
	if fy.End.Before(fy.Start) {
		return apperr.Validation(op, "dates", "fiscal year ends before it starts")
	}

	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	_, err := g.db.ExecContext(ctx, g.db.Rebind(
		`INSERT INTO fiscal_years (company, name, year_start, year_end) VALUES (?, ?, ?, ?)`),
		strings.TrimSpace(company), fy.Name, sqldb.Date(fy.Start), sqldb.Date(fy.End))
	if err != nil {
		return fmt.Errorf("failed to insert fiscal year: %w", err)
	}
	return nil
}

// Resolve returns the boundary dates of a fiscal year, preferring the company's own
// definition over a shared one.
func (g *GeneralLedger) Resolve(ctx context.Context, company, name string) (valuation.FiscalYear, error) {
	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	fy := valuation.FiscalYear{Name: name}
	err := g.db.QueryRowContext(ctx, g.db.Rebind(`
		SELECT year_start, year_end FROM fiscal_years
		WHERE name = ? AND company IN (?, '')
		ORDER BY company DESC
		LIMIT 1`), name, company).Scan(&fy.Start, &fy.End)
	if err != nil {
		if sqldb.IsNoRows(err) {
			return valuation.FiscalYear{}, apperr.NotFound("resolve_fiscal_year", "fiscal_year", "unknown fiscal year "+name)
		}
		return valuation.FiscalYear{}, fmt.Errorf("failed to resolve fiscal year: %w", err)
	}
	fy.Start, fy.End = sqldb.Date(fy.Start), sqldb.Date(fy.End)
	return fy, nil
}

// PostVoucher validates and records a balanced voucher.
func (g *GeneralLedger) PostVoucher(ctx context.Context, v Voucher) error {
	const op = "post_voucher"

	v.No = strings.TrimSpace(v.No)
	v.Company = strings.TrimSpace(v.Company)
	if r := ValidateVoucher(v); !r.IsValid {
		return apperr.Validation(op, r.Field, r.Message)
	}

	return g.db.WithinTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, g.db.Rebind(
			`SELECT COUNT(*) FROM gl_entries WHERE company = ? AND voucher_no = ?`), v.Company, v.No).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check voucher existence: %w", err)
		}
		if exists > 0 {
			return apperr.Validation(op, "voucher_no", fmt.Sprintf("voucher %s already posted", v.No))
		}

		accounts := make([]string, 0, len(v.Lines))
		for _, l := range v.Lines {
			accounts = append(accounts, l.Account)
		}
		known, err := knownAccounts(ctx, tx, g.db.Dialect, v.Company, accounts)
		if err != nil {
			return err
		}

		now := g.now()
		insert := g.db.Rebind(`
			INSERT INTO gl_entries (id, voucher_no, company, account, posting_date, debit, credit, is_cancelled, remarks, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, l := range v.Lines {
			if !known[l.Account] {
				return apperr.Validation(op, "lines", fmt.Sprintf("unknown account %s", l.Account))
			}
			_, err := tx.ExecContext(ctx, insert,
				g.newID(), v.No, v.Company, l.Account, sqldb.Date(v.PostingDate), l.Debit, l.Credit, false, v.Remarks, now)
			if err != nil {
				return fmt.Errorf("failed to insert ledger entry: %w", err)
			}
		}
		return nil
	})
}

// CancelVoucher marks every line of a voucher cancelled. Cancelled postings no longer
// count towards balances or payment sources.
func (g *GeneralLedger) CancelVoucher(ctx context.Context, company, voucherNo string) error {
	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	res, err := g.db.ExecContext(ctx, g.db.Rebind(
		`UPDATE gl_entries SET is_cancelled = ? WHERE company = ? AND voucher_no = ? AND is_cancelled = ?`),
		true, company, voucherNo, false)
	if err != nil {
		return fmt.Errorf("failed to cancel voucher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to cancel voucher: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("cancel_voucher", "voucher_no", "no active voucher "+voucherNo)
	}
	return nil
}

func knownAccounts(ctx context.Context, q sqldb.Queryer, d sqldb.Dialect, company string, names []string) (map[string]bool, error) {
	args := append([]any{company}, sqldb.Args(names)...)
	rows, err := q.QueryContext(ctx, d.Rebind(
		`SELECT name FROM gl_accounts WHERE company = ? AND name IN (`+sqldb.Placeholders(len(names))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool, len(names))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		known[name] = true
	}
	return known, rows.Err()
}

func (g *GeneralLedger) requireAccount(ctx context.Context, op, account, company string) error {
	known, err := knownAccounts(ctx, g.db, g.db.Dialect, company, []string{account})
	if err != nil {
		return apperr.Lookup(op, "failed to read account "+account, err)
	}
	if !known[account] {
		return apperr.Lookup(op, fmt.Sprintf("account %s does not exist for %s", account, company), nil)
	}
	return nil
}

// posting is one non-cancelled ledger line.
type posting struct {
	voucherNo   string
	account     string
	postingDate time.Time
	debit       decimal.Decimal
	credit      decimal.Decimal
	remarks     string
}

func (g *GeneralLedger) postings(ctx context.Context, where string, args ...any) ([]posting, error) {
	rows, err := g.db.Querier(ctx).QueryContext(ctx, g.db.Rebind(`
		SELECT voucher_no, account, posting_date, debit, credit, remarks
		FROM gl_entries
		WHERE is_cancelled = ? AND `+where+`
		ORDER BY posting_date, voucher_no, id`), append([]any{false}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []posting
	for rows.Next() {
		var p posting
		if err := rows.Scan(&p.voucherNo, &p.account, &p.postingDate, &p.debit, &p.credit, &p.remarks); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		p.postingDate = sqldb.Date(p.postingDate)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger entries: %w", err)
	}
	return out, nil
}

// BalanceAsOf returns debits minus credits on account up to and including date.
func (g *GeneralLedger) BalanceAsOf(ctx context.Context, account string, date time.Time, company string) (decimal.Decimal, error) {
	const op = "balance_as_of"

	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	if err := g.requireAccount(ctx, op, account, company); err != nil {
		return decimal.Zero, err
	}
	ps, err := g.postings(ctx, `company = ? AND account = ? AND posting_date <= ?`, company, account, sqldb.Date(date))
	if err != nil {
		return decimal.Zero, apperr.Lookup(op, "failed to read balance of "+account, err)
	}
	balance := decimal.Zero
	for _, p := range ps {
		balance = balance.Add(p.debit).Sub(p.credit)
	}
	return balance, nil
}

// TotalDebit sums debits on account within [from, to] and counts the debit lines.
func (g *GeneralLedger) TotalDebit(ctx context.Context, account, company string, from, to time.Time) (decimal.Decimal, int, error) {
	const op = "total_debit"

	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	if err := g.requireAccount(ctx, op, account, company); err != nil {
		return decimal.Zero, 0, err
	}
	ps, err := g.postings(ctx, `company = ? AND account = ? AND posting_date >= ? AND posting_date <= ?`,
		company, account, sqldb.Date(from), sqldb.Date(to))
	if err != nil {
		return decimal.Zero, 0, apperr.Lookup(op, "failed to read debits of "+account, err)
	}
	total, n := decimal.Zero, 0
	for _, p := range ps {
		if p.debit.IsPositive() {
			total = total.Add(p.debit)
			n++
		}
	}
	return total, n, nil
}

// DebitCoverage summarises every posting of account regardless of date.
func (g *GeneralLedger) DebitCoverage(ctx context.Context, account, company string) (valuation.DebitCoverage, error) {
	const op = "debit_coverage"

	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	ps, err := g.postings(ctx, `company = ? AND account = ?`, company, account)
	if err != nil {
		return valuation.DebitCoverage{}, apperr.Lookup(op, "failed to read postings of "+account, err)
	}
	cov := valuation.DebitCoverage{TotalDebit: decimal.Zero, NetMovement: decimal.Zero}
	for _, p := range ps {
		cov.NetMovement = cov.NetMovement.Add(p.debit).Sub(p.credit)
		if !p.debit.IsPositive() {
			continue
		}
		cov.TotalDebit = cov.TotalDebit.Add(p.debit)
		if cov.FirstPosting.IsZero() || p.postingDate.Before(cov.FirstPosting) {
			cov.FirstPosting = p.postingDate
		}
		if p.postingDate.After(cov.LastPosting) {
			cov.LastPosting = p.postingDate
		}
	}
	return cov, nil
}

// DebitsInRange groups postings on accounts within [from, to] by voucher and returns
// the vouchers that debit them, oldest first.
func (g *GeneralLedger) DebitsInRange(ctx context.Context, company string, from, to time.Time, accounts []string) ([]allocation.PaymentEntry, error) {
	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	where := `company = ? AND posting_date >= ? AND posting_date <= ?`
	args := []any{company, sqldb.Date(from), sqldb.Date(to)}
	if len(accounts) > 0 {
		where += ` AND account IN (` + sqldb.Placeholders(len(accounts)) + `)`
		args = append(args, sqldb.Args(accounts)...)
	}
	ps, err := g.postings(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return groupVouchers(company, ps), nil
}

// VoucherDebits returns the named vouchers that debit accounts. Cancelled vouchers and
// vouchers without such a debit are absent from the result.
func (g *GeneralLedger) VoucherDebits(ctx context.Context, company string, sourceIDs []string, accounts []string) ([]allocation.PaymentEntry, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	where := `company = ? AND voucher_no IN (` + sqldb.Placeholders(len(sourceIDs)) + `)`
	args := append([]any{company}, sqldb.Args(sourceIDs)...)
	if len(accounts) > 0 {
		where += ` AND account IN (` + sqldb.Placeholders(len(accounts)) + `)`
		args = append(args, sqldb.Args(accounts)...)
	}
	ps, err := g.postings(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return groupVouchers(company, ps), nil
}

func groupVouchers(company string, ps []posting) []allocation.PaymentEntry {
	index := make(map[string]int)
	var out []allocation.PaymentEntry
	for _, p := range ps {
		i, ok := index[p.voucherNo]
		if !ok {
			i = len(out)
			index[p.voucherNo] = i
			out = append(out, allocation.PaymentEntry{
				SourceID:    p.voucherNo,
				Company:     company,
				PostingDate: p.postingDate,
				GrossDebit:  decimal.Zero,
				GrossCredit: decimal.Zero,
				Remarks:     p.remarks,
			})
		}
		e := &out[i]
		e.GrossDebit = e.GrossDebit.Add(p.debit)
		e.GrossCredit = e.GrossCredit.Add(p.credit)
		if p.debit.IsPositive() && !containsString(e.Accounts, p.account) {
			e.Accounts = append(e.Accounts, p.account)
		}
	}

	debits := out[:0]
	for _, e := range out {
		if e.GrossDebit.IsPositive() {
			debits = append(debits, e)
		}
	}
	return debits
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
