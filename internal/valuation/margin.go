package valuation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MarginKind tags which adjustment a MarginSpec applies.
type MarginKind int

const (
	MarginIdentity MarginKind = iota
	MarginPercentage
	MarginFixed
)

func (k MarginKind) String() string {
	switch k {
	case MarginPercentage:
		return "percentage"
	case MarginFixed:
		return "fixed"
	default:
		return "identity"
	}
}

var hundred = decimal.NewFromInt(100)

// MarginSpec is a parsed adjustment rule: identity, percentage uplift or fixed amount.
type MarginSpec struct {
	Kind  MarginKind
	Value decimal.Decimal
	Raw   string
}

// ParseMarginSpec interprets raw as empty (identity), "p%" (percentage) or a signed
// fixed amount. A malformed spec yields an identity spec together with a non-nil error
// so the caller can report it; the returned spec is always usable.
func ParseMarginSpec(raw string) (MarginSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MarginSpec{Kind: MarginIdentity}, nil
	}

	if strings.Contains(trimmed, "%") {
		number := strings.TrimSpace(strings.ReplaceAll(trimmed, "%", ""))
		p, err := decimal.NewFromString(number)
		if err != nil {
			return MarginSpec{Kind: MarginIdentity, Raw: raw}, fmt.Errorf("invalid percentage margin %q: %w", raw, err)
		}
		return MarginSpec{Kind: MarginPercentage, Value: p, Raw: raw}, nil
	}

	f, err := decimal.NewFromString(trimmed)
	if err != nil {
		return MarginSpec{Kind: MarginIdentity, Raw: raw}, fmt.Errorf("invalid fixed margin %q: %w", raw, err)
	}
	return MarginSpec{Kind: MarginFixed, Value: f, Raw: raw}, nil
}

// Apply returns the adjusted value for base.
func (m MarginSpec) Apply(base decimal.Decimal) decimal.Decimal {
	switch m.Kind {
	case MarginPercentage:
		return base.Mul(hundred.Add(m.Value)).Div(hundred)
	case MarginFixed:
		return base.Add(m.Value)
	default:
		return base
	}
}

func (m MarginSpec) String() string {
	switch m.Kind {
	case MarginPercentage:
		return m.Value.String() + "%"
	case MarginFixed:
		return m.Value.String()
	default:
		return ""
	}
}
