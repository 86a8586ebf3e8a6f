package allocation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/example/zakaah-ledger/internal/apperr"
)

// Assignment is one planned allocation produced by Match.
type Assignment struct {
	SourceID        string
	ObligationID    string
	Amount          decimal.Decimal
	SourceRemainder decimal.Decimal
}

// Plan is the outcome of matching sources against targets.
type Plan struct {
	Assignments    []Assignment
	CarryForward   []CarryForward
	Applied        map[string]decimal.Decimal
	TotalAllocated decimal.Decimal
	TotalResidue   decimal.Decimal
}

// Match allocates sources to targets. Targets are served oldest fiscal year first
// (ties by ID); sources are consumed smallest unallocated amount first (ties by
// posting date, then source ID). Each step moves min(source remaining, target
// remaining). Residue left after all targets are satisfied is carried forward,
// never forced onto a settled target. Entries with nothing to give or nothing
// outstanding are ignored. Inputs are not modified.
func Match(sources []PaymentEntry, targets []Obligation) (*Plan, error) {
	srcs := make([]PaymentEntry, 0, len(sources))
	for _, s := range sources {
		if s.Unallocated.IsPositive() {
			srcs = append(srcs, s)
		}
	}
	tgts := make([]Obligation, 0, len(targets))
	for _, t := range targets {
		if t.AmountOutstanding.IsPositive() {
			tgts = append(tgts, t)
		}
	}

	sort.Slice(tgts, func(i, j int) bool {
		if !tgts[i].YearStart.Equal(tgts[j].YearStart) {
			return tgts[i].YearStart.Before(tgts[j].YearStart)
		}
		return tgts[i].ID < tgts[j].ID
	})
	sort.Slice(srcs, func(i, j int) bool {
		if c := srcs[i].Unallocated.Cmp(srcs[j].Unallocated); c != 0 {
			return c < 0
		}
		if !srcs[i].PostingDate.Equal(srcs[j].PostingDate) {
			return srcs[i].PostingDate.Before(srcs[j].PostingDate)
		}
		return srcs[i].SourceID < srcs[j].SourceID
	})

	remaining := make([]decimal.Decimal, len(tgts))
	for i, t := range tgts {
		remaining[i] = t.AmountOutstanding
	}

	plan := &Plan{
		Applied:        make(map[string]decimal.Decimal),
		TotalAllocated: decimal.Zero,
		TotalResidue:   decimal.Zero,
	}

	for _, src := range srcs {
		left := src.Unallocated
		for i := range tgts {
			if !left.IsPositive() {
				break
			}
			if !remaining[i].IsPositive() {
				continue
			}

			amount := decimal.Min(left, remaining[i])
			left = left.Sub(amount)
			remaining[i] = remaining[i].Sub(amount)

			plan.Assignments = append(plan.Assignments, Assignment{
				SourceID:        src.SourceID,
				ObligationID:    tgts[i].ID,
				Amount:          amount,
				SourceRemainder: left,
			})
			plan.Applied[tgts[i].ID] = plan.Applied[tgts[i].ID].Add(amount)
			plan.TotalAllocated = plan.TotalAllocated.Add(amount)
		}
		if left.IsPositive() {
			plan.CarryForward = append(plan.CarryForward, CarryForward{SourceID: src.SourceID, Residue: left})
			plan.TotalResidue = plan.TotalResidue.Add(left)
		}
	}

	if err := plan.verify(srcs, tgts); err != nil {
		return nil, err
	}
	return plan, nil
}

// verify checks conservation: nothing is allocated beyond a source's unallocated
// amount or a target's outstanding amount, and allocated plus residue equals input.
func (p *Plan) verify(sources []PaymentEntry, targets []Obligation) error {
	const op = "match"

	bySource := make(map[string]decimal.Decimal)
	for _, a := range p.Assignments {
		if !a.Amount.IsPositive() {
			return apperr.Conservation(op, fmt.Sprintf("non-positive allocation %s from %s", a.Amount, a.SourceID))
		}
		bySource[a.SourceID] = bySource[a.SourceID].Add(a.Amount)
	}

	input := decimal.Zero
	for _, s := range sources {
		input = input.Add(s.Unallocated)
		if bySource[s.SourceID].GreaterThan(s.Unallocated) {
			return apperr.Conservation(op, fmt.Sprintf("source %s over-allocated: %s > %s", s.SourceID, bySource[s.SourceID], s.Unallocated))
		}
	}
	for _, t := range targets {
		if p.Applied[t.ID].GreaterThan(t.AmountOutstanding) {
			return apperr.Conservation(op, fmt.Sprintf("obligation %s over-allocated: %s > %s", t.ID, p.Applied[t.ID], t.AmountOutstanding))
		}
	}
	if !p.TotalAllocated.Add(p.TotalResidue).Equal(input) {
		return apperr.Conservation(op, fmt.Sprintf("allocated %s + residue %s != input %s", p.TotalAllocated, p.TotalResidue, input))
	}
	return nil
}
