package valuation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/zakaah-ledger/internal/apperr"
)

// GroupKind names one of the asset tables of a configuration.
type GroupKind string

const (
	GroupCash       GroupKind = "cash"
	GroupInventory  GroupKind = "inventory"
	GroupReceivable GroupKind = "receivable"
	GroupLiability  GroupKind = "liability"
	GroupReserve    GroupKind = "reserve"
	GroupPayment    GroupKind = "payment"
)

// GroupKinds returns every group kind in valuation order.
func GroupKinds() []GroupKind {
	return []GroupKind{GroupCash, GroupInventory, GroupReceivable, GroupLiability, GroupReserve, GroupPayment}
}

func (k GroupKind) IsValid() bool {
	for _, g := range GroupKinds() {
		if g == k {
			return true
		}
	}
	return false
}

// AccountAdjustmentRule is one account row of a group with its parsed margin.
type AccountAdjustmentRule struct {
	Account string
	Margin  MarginSpec
}

// Configuration is a validated asset configuration for one company.
type Configuration struct {
	Company string
	Groups  map[GroupKind][]AccountAdjustmentRule
}

// PaymentAccounts lists the accounts of the payment group in configured order.
func (c *Configuration) PaymentAccounts() []string {
	rules := c.Groups[GroupPayment]
	accounts := make([]string, 0, len(rules))
	for _, r := range rules {
		accounts = append(accounts, r.Account)
	}
	return accounts
}

// RuleCount returns the number of account rows across all groups.
func (c *Configuration) RuleCount() int {
	n := 0
	for _, rules := range c.Groups {
		n += len(rules)
	}
	return n
}

// RuleInput is the unparsed form of an account row as submitted by a caller.
type RuleInput struct {
	Account    string `json:"account"`
	MarginSpec string `json:"margin_spec,omitempty"`
}

// ConfigurationInput is the unparsed asset configuration.
type ConfigurationInput struct {
	Company string                    `json:"company"`
	Groups  map[GroupKind][]RuleInput `json:"groups"`
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of configuration validation.
type Issue struct {
	Severity Severity  `json:"severity"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Group    GroupKind `json:"group,omitempty"`
	Account  string    `json:"account,omitempty"`
}

// ValidationReport collects the findings of LoadConfiguration.
type ValidationReport struct {
	IsValid bool    `json:"is_valid"`
	Issues  []Issue `json:"issues,omitempty"`
}

func (r *ValidationReport) add(sev Severity, code, msg string, group GroupKind, account string) {
	r.Issues = append(r.Issues, Issue{Severity: sev, Code: code, Message: msg, Group: group, Account: account})
}

func (r *ValidationReport) Errors() []Issue   { return r.filter(SeverityError) }
func (r *ValidationReport) Warnings() []Issue { return r.filter(SeverityWarning) }

func (r *ValidationReport) filter(sev Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// LoadConfiguration parses margin specs once and validates the configuration.
// Malformed margins degrade to identity and are reported as warnings. Structural
// problems are reported as errors and make the returned error a ValidationFailure;
// the report is returned in both cases.
func LoadConfiguration(in ConfigurationInput) (*Configuration, *ValidationReport, error) {
	report := &ValidationReport{}
	cfg := &Configuration{
		Company: strings.TrimSpace(in.Company),
		Groups:  make(map[GroupKind][]AccountAdjustmentRule),
	}

	if cfg.Company == "" {
		report.add(SeverityError, "missing_company", "company is required", "", "")
	}

	var unknown []GroupKind
	for kind := range in.Groups {
		if !kind.IsValid() {
			unknown = append(unknown, kind)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	for _, kind := range unknown {
		report.add(SeverityError, "unknown_group", fmt.Sprintf("unknown account group %q", kind), kind, "")
	}

	seen := make(map[string][]GroupKind)
	for _, kind := range GroupKinds() {
		for _, row := range in.Groups[kind] {
			account := strings.TrimSpace(row.Account)
			if account == "" {
				report.add(SeverityError, "missing_account", "account row without an account", kind, "")
				continue
			}

			margin, err := ParseMarginSpec(row.MarginSpec)
			if err != nil {
				report.add(SeverityWarning, "invalid_margin", err.Error()+"; using balance unchanged", kind, account)
			}

			cfg.Groups[kind] = append(cfg.Groups[kind], AccountAdjustmentRule{Account: account, Margin: margin})
			seen[account] = append(seen[account], kind)
		}
	}

	if cfg.RuleCount() == 0 {
		report.add(SeverityError, "no_accounts", "at least one account must be configured", "", "")
	}

	reported := make(map[string]bool)
	for _, kind := range GroupKinds() {
		for _, rule := range cfg.Groups[kind] {
			kinds := seen[rule.Account]
			if len(kinds) > 1 && !reported[rule.Account] {
				reported[rule.Account] = true
				names := make([]string, len(kinds))
				for i, k := range kinds {
					names[i] = string(k)
				}
				report.add(SeverityWarning, "duplicate_account",
					fmt.Sprintf("account %s appears in several groups: %s", rule.Account, strings.Join(names, ", ")), kind, rule.Account)
			}
		}
	}

	if len(cfg.Groups[GroupPayment]) == 0 {
		report.add(SeverityWarning, "no_payment_accounts", "no payment accounts configured; payments cannot be previewed by default", GroupPayment, "")
	}

	errs := report.Errors()
	report.IsValid = len(errs) == 0
	if !report.IsValid {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Message
		}
		return nil, report, apperr.Validation("load_configuration", "", strings.Join(msgs, "; "))
	}

	return cfg, report, nil
}
