package aggregate

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/adminis/internal/account/domain"
)

// Aggregate computes account totals. It is pure and gives the same result
// for any ordering of entries.
func Aggregate(entries []domain.PropertySnapshot) domain.AccountTotals {
	totals := domain.AccountTotals{TotalPending: decimal.Zero}

	seen := make(map[string]struct{}, len(entries))
	var latest *domain.Payment
	for _, e := range entries {
		seen[e.Property.ID] = struct{}{}

		// Credits clamp to zero here only; the per-property value stays signed.
		if e.Pending.Amount.IsPositive() {
			totals.TotalPending = totals.TotalPending.Add(e.Pending.Amount)
		}

		if e.LastPayment == nil {
			continue
		}
		candidate := *e.LastPayment
		if candidate.PropertyID == "" {
			candidate.PropertyID = e.Property.ID
		}
		if latest == nil || domain.ComparePayments(candidate, *latest) > 0 {
			latest = &candidate
		}
	}

	totals.PropertyCount = len(seen)
	if latest != nil {
		totals.LastPayment = &domain.LastPayment{
			PropertyID: latest.PropertyID,
			Amount:     latest.Amount,
			Date:       latest.Date,
		}
	}
	return totals
}
