package ledger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool                   `json:"is_valid"`
	ValidationType string                 `json:"validation_type"`
	Message        string                 `json:"message"`
	Field          string                 `json:"field,omitempty"`
	VoucherNo      string                 `json:"voucher_no,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

var accountTypes = []string{"asset", "liability", "equity", "income", "expense"}

var voucherNoPattern = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// ValidateAccountType checks if account type is valid
func ValidateAccountType(accountType string) *ValidationResult {
	for _, t := range accountTypes {
		if t == accountType {
			return &ValidationResult{IsValid: true, ValidationType: "account_type", Message: "account type is valid", Timestamp: time.Now()}
		}
	}
	msg := fmt.Sprintf("invalid account type '%s'. Valid types are: %s", accountType, strings.Join(accountTypes, ", "))
	if accountType == "" {
		msg = "account type is required"
	}
	return &ValidationResult{IsValid: false, ValidationType: "account_type", Field: "account_type", Message: msg, Timestamp: time.Now()}
}

// ValidateVoucher checks line shape and the double-entry constraint of a voucher
// before it is posted.
func ValidateVoucher(v Voucher) *ValidationResult {
	fail := func(field, msg string) *ValidationResult {
		return &ValidationResult{
			IsValid:        false,
			ValidationType: "voucher",
			Field:          field,
			Message:        msg,
			VoucherNo:      v.No,
			Timestamp:      time.Now(),
		}
	}

	switch {
	case v.Company == "":
		return fail("company", "company is required")
	case v.No == "" || len(v.No) > 140:
		return fail("voucher_no", "voucher number must be between 1 and 140 characters")
	case !voucherNoPattern.MatchString(v.No):
		return fail("voucher_no", "voucher number can only contain letters, numbers, dots, slashes, hyphens and underscores")
	case v.PostingDate.IsZero():
		return fail("posting_date", "posting date is required")
	case len(v.Lines) < 2:
		return fail("lines", "a voucher needs at least two lines")
	}

	debits, credits := decimal.Zero, decimal.Zero
	for i, l := range v.Lines {
		if l.Account == "" {
			return fail("lines", fmt.Sprintf("line %d has no account", i+1))
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return fail("lines", fmt.Sprintf("line %d has a negative amount", i+1))
		}
		if l.Debit.IsPositive() == l.Credit.IsPositive() {
			return fail("lines", fmt.Sprintf("line %d must carry exactly one of debit or credit", i+1))
		}
		debits = debits.Add(l.Debit)
		credits = credits.Add(l.Credit)
	}

	if !debits.Equal(credits) {
		r := fail("lines", fmt.Sprintf("double-entry violation: debits (%s) != credits (%s)", debits, credits))
		r.Details = map[string]interface{}{
			"total_debits":  debits.String(),
			"total_credits": credits.String(),
			"difference":    debits.Sub(credits).String(),
		}
		return r
	}

	return &ValidationResult{
		IsValid:        true,
		ValidationType: "voucher",
		Message:        fmt.Sprintf("double-entry constraint satisfied: debits = credits = %s", debits),
		VoucherNo:      v.No,
		Timestamp:      time.Now(),
		Details: map[string]interface{}{
			"total_debits":  debits.String(),
			"total_credits": credits.String(),
		},
	}
}
