package allocation

import "github.com/shopspring/decimal"

// ReconciliationStatus is the state of a batch of obligations.
type ReconciliationStatus string

const (
	ReconciliationOpen       ReconciliationStatus = "Open"
	ReconciliationPartial    ReconciliationStatus = "Partial"
	ReconciliationReconciled ReconciliationStatus = "Reconciled"
)

// BatchSummary totals a batch of obligations.
type BatchSummary struct {
	Status           ReconciliationStatus `json:"reconciliation_status"`
	Obligations      int                  `json:"obligations"`
	TotalObligation  decimal.Decimal      `json:"total_obligation"`
	TotalOutstanding decimal.Decimal      `json:"total_unreconciled"`
	TotalReconciled  decimal.Decimal      `json:"total_reconciled"`
}

// Reconcile derives the batch status from the obligations' refreshed amounts. The
// batch is Reconciled when every obligation's outstanding is within epsilon, the same
// threshold that marks an obligation Paid. An empty batch is Open.
func Reconcile(obligations []Obligation, epsilon decimal.Decimal) BatchSummary {
	s := BatchSummary{
		Status:           ReconciliationOpen,
		Obligations:      len(obligations),
		TotalObligation:  decimal.Zero,
		TotalOutstanding: decimal.Zero,
		TotalReconciled:  decimal.Zero,
	}
	if len(obligations) == 0 {
		return s
	}

	settled := true
	for _, o := range obligations {
		s.TotalObligation = s.TotalObligation.Add(o.AmountDue)
		s.TotalOutstanding = s.TotalOutstanding.Add(o.AmountOutstanding)
		if o.AmountOutstanding.GreaterThan(epsilon) {
			settled = false
		}
	}
	s.TotalReconciled = decimal.Max(decimal.Zero, s.TotalObligation.Sub(s.TotalOutstanding))

	switch {
	case settled:
		s.Status = ReconciliationReconciled
	case s.TotalOutstanding.LessThan(s.TotalObligation):
		s.Status = ReconciliationPartial
	default:
		s.Status = ReconciliationOpen
	}
	return s
}
