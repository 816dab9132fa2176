package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PropertyKind classifies a billable unit.
type PropertyKind string

const (
	PropertyKindApartment  PropertyKind = "apartment"
	PropertyKindParking    PropertyKind = "parking"
	PropertyKindStorageBox PropertyKind = "storage_box"
	PropertyKindOther      PropertyKind = "other"
)

// Property is a billable unit discovered on the account dashboard.
type Property struct {
	ID            string       `json:"id"`
	Address       string       `json:"address"`
	Kind          PropertyKind `json:"kind"`
	Unit          string       `json:"unit"`
	AssociationID string       `json:"association_id,omitempty"`
}

// Charge is one line of a bill breakdown.
type Charge struct {
	Label  string          `json:"label"`
	Key    string          `json:"key"`
	Amount decimal.Decimal `json:"amount"`
}

// Bill is the latest billing document of a property. Amounts are RON with two decimals.
type Bill struct {
	PropertyID        string          `json:"property_id"`
	IssueDate         *time.Time      `json:"issue_date,omitempty"`
	Receipt           string          `json:"receipt,omitempty"`
	Total             decimal.Decimal `json:"total"`
	Breakdown         []Charge        `json:"breakdown"`
	BreakdownMismatch bool            `json:"breakdown_mismatch"`
}

// BreakdownSum adds up the breakdown amounts.
func (b Bill) BreakdownSum() decimal.Decimal {
	sum := decimal.Zero
	for _, charge := range b.Breakdown {
		sum = sum.Add(charge.Amount)
	}
	return sum
}

// Payment is a settled payment of a property.
type Payment struct {
	PropertyID string          `json:"property_id"`
	Amount     decimal.Decimal `json:"amount"`
	Date       *time.Time      `json:"date,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	// FetchSeq orders records by the time they were fetched; higher is newer.
	FetchSeq uint64 `json:"-"`
}

// PendingBalance is the outstanding amount of a property. Credits stay negative.
type PendingBalance struct {
	PropertyID    string          `json:"property_id"`
	Amount        decimal.Decimal `json:"amount"`
	AllowPayments bool            `json:"allow_payments"`
	StatusCode    int             `json:"status_code"`
}

// PropertySnapshot pairs a property with the data fetched for it in one cycle.
type PropertySnapshot struct {
	Property     Property       `json:"property"`
	Bill         *Bill          `json:"bill,omitempty"`
	Pending      PendingBalance `json:"pending"`
	LastPayment  *Payment       `json:"last_payment,omitempty"`
	PaymentCount int            `json:"payment_count"`
}

// LastPayment is the most recent payment across the account.
type LastPayment struct {
	PropertyID string          `json:"property_id"`
	Amount     decimal.Decimal `json:"amount"`
	Date       *time.Time      `json:"date,omitempty"`
}

// AccountTotals are the account-wide rollups.
type AccountTotals struct {
	PropertyCount int             `json:"property_count"`
	TotalPending  decimal.Decimal `json:"total_pending"`
	LastPayment   *LastPayment    `json:"last_payment,omitempty"`
}

// Snapshot is the published state of one successful cycle. It must not be mutated once published.
type Snapshot struct {
	CycleID     string             `json:"cycle_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Properties  []PropertySnapshot `json:"properties"`
	Totals      AccountTotals      `json:"totals"`
}

// Property looks up a property by id.
func (s *Snapshot) Property(id string) (PropertySnapshot, bool) {
	if s == nil {
		return PropertySnapshot{}, false
	}
	for _, p := range s.Properties {
		if p.Property.ID == id {
			return p, true
		}
	}
	return PropertySnapshot{}, false
}

// ComparePayments orders payments for "last payment" selection: dated before
// undated, then later date, higher amount, higher FetchSeq and finally
// property id. It returns a positive value when a is the more recent payment.
func ComparePayments(a, b Payment) int {
	switch {
	case a.Date != nil && b.Date == nil:
		return 1
	case a.Date == nil && b.Date != nil:
		return -1
	case a.Date != nil && b.Date != nil && !a.Date.Equal(*b.Date):
		if a.Date.After(*b.Date) {
			return 1
		}
		return -1
	}
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c
	}
	switch {
	case a.FetchSeq > b.FetchSeq:
		return 1
	case a.FetchSeq < b.FetchSeq:
		return -1
	}
	switch {
	case a.PropertyID > b.PropertyID:
		return 1
	case a.PropertyID < b.PropertyID:
		return -1
	}
	return 0
}

// LatestPayment returns the most recent payment by ComparePayments.
func LatestPayment(payments []Payment) (Payment, bool) {
	if len(payments) == 0 {
		return Payment{}, false
	}
	latest := payments[0]
	for _, p := range payments[1:] {
		if ComparePayments(p, latest) > 0 {
			latest = p
		}
	}
	return latest, true
}
