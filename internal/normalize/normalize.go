package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/upstream"
)

// Tolerance is the accepted gap between a bill total and its breakdown sum.
var Tolerance = decimal.New(1, -2)

var (
	ErrUnparseableAmount = errors.New("unparseable_amount")
	ErrUnparseableDate   = errors.New("unparseable_date")
	ErrMissingAmount     = errors.New("missing_amount")
)

// WarningKind names a field-level normalization diagnostic.
type WarningKind string

const (
	WarnUnparseableAmount WarningKind = "unparseable_amount"
	WarnUnparseableDate   WarningKind = "unparseable_date"
	WarnMissingDate       WarningKind = "missing_date"
	WarnEmptyLabel        WarningKind = "empty_label"
	WarnBreakdownMismatch WarningKind = "breakdown_mismatch"
	WarnDuplicateLabel    WarningKind = "duplicate_label"
	WarnPendingMissing    WarningKind = "pending_missing"
)

// Warning is a field-level problem that did not stop normalization.
type Warning struct {
	Kind       WarningKind
	PropertyID string
	Field      string
	Value      string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: property=%s field=%s value=%q", w.Kind, w.PropertyID, w.Field, w.Value)
}

// Normalizer maps raw upstream records onto the canonical model. It holds no
// mutable state, so the same input always yields the same output.
type Normalizer struct {
	aliases Aliases
}

func New(aliases Aliases) *Normalizer {
	if aliases.byKey == nil {
		aliases = NewAliases()
	}
	return &Normalizer{aliases: aliases}
}

// Label canonicalizes a charge label.
func (n *Normalizer) Label(raw string) string {
	label, _ := n.aliases.Canonical(raw)
	return label
}

// Bill normalizes the newest billing document. An unparseable total rejects
// the bill; unparseable charges are omitted with a warning.
func (n *Normalizer) Bill(raw upstream.RawBill) (domain.Bill, []Warning, error) {
	var warnings []Warning
	warn := func(kind WarningKind, field, value string) {
		warnings = append(warnings, Warning{Kind: kind, PropertyID: raw.PropertyID, Field: field, Value: value})
	}

	total, err := amountOf(raw.Total)
	if err != nil {
		warn(WarnUnparseableAmount, "total", raw.Total.Text)
		return domain.Bill{}, warnings, fmt.Errorf("bill %s: %w", raw.PropertyID, err)
	}

	bill := domain.Bill{
		PropertyID: raw.PropertyID,
		Receipt:    strings.TrimSpace(raw.Receipt),
		Total:      total,
		Breakdown:  make([]domain.Charge, 0, len(raw.Details)),
	}
	bill.IssueDate = n.date(raw.Date, warn)

	index := map[string]int{}
	for _, charge := range raw.Details {
		label := n.Label(charge.Name)
		if label == "" {
			warn(WarnEmptyLabel, "breakdown", charge.Amount.Text)
			continue
		}
		amount, err := amountOf(charge.Amount)
		if err != nil {
			warn(WarnUnparseableAmount, "breakdown."+label, charge.Amount.Text)
			continue
		}
		if i, ok := index[label]; ok {
			warn(WarnDuplicateLabel, "breakdown."+label, charge.Name)
			bill.Breakdown[i].Amount = bill.Breakdown[i].Amount.Add(amount)
			continue
		}
		index[label] = len(bill.Breakdown)
		bill.Breakdown = append(bill.Breakdown, domain.Charge{
			Label:  label,
			Key:    slug.Make(label),
			Amount: amount,
		})
	}

	if len(bill.Breakdown) > 0 && !WithinTolerance(bill.BreakdownSum(), total) {
		bill.BreakdownMismatch = true
		warn(WarnBreakdownMismatch, "breakdown", bill.BreakdownSum().StringFixed(2)+" != "+total.StringFixed(2))
	}
	return bill, warnings, nil
}

// Payment normalizes one history record. An unparseable amount rejects it;
// an unparseable date leaves it undated.
func (n *Normalizer) Payment(raw upstream.RawPayment) (domain.Payment, []Warning, error) {
	var warnings []Warning
	warn := func(kind WarningKind, field, value string) {
		warnings = append(warnings, Warning{Kind: kind, PropertyID: raw.PropertyID, Field: field, Value: value})
	}

	amount, err := amountOf(raw.Amount)
	if err != nil {
		warn(WarnUnparseableAmount, "amount", raw.Amount.Text)
		return domain.Payment{}, warnings, fmt.Errorf("payment %s: %w", raw.PropertyID, err)
	}

	return domain.Payment{
		PropertyID: raw.PropertyID,
		Amount:     amount,
		Date:       n.date(raw.Date, warn),
		Reference:  strings.TrimSpace(raw.Receipt),
		FetchSeq:   raw.FetchSeq,
	}, warnings, nil
}

// Pending sums the owner and association balances. Absent values count as
// zero and negative (credit) values are kept.
func (n *Normalizer) Pending(raw upstream.RawPending) (domain.PendingBalance, []Warning) {
	var warnings []Warning
	total := decimal.Zero
	for _, part := range []struct {
		field string
		value upstream.RawAmount
	}{{"owner", raw.Owner}, {"assoc", raw.Assoc}} {
		if !part.value.Present && !part.value.Invalid {
			continue
		}
		amount, err := amountOf(part.value)
		if err != nil {
			warnings = append(warnings, Warning{Kind: WarnUnparseableAmount, PropertyID: raw.PropertyID, Field: part.field, Value: part.value.Text})
			continue
		}
		total = total.Add(amount)
	}

	return domain.PendingBalance{
		PropertyID:    raw.PropertyID,
		Amount:        total,
		AllowPayments: raw.AllowPayments,
		StatusCode:    raw.ErrorCode,
	}, warnings
}

func (n *Normalizer) date(text string, warn func(WarningKind, string, string)) *time.Time {
	if strings.TrimSpace(text) == "" {
		warn(WarnMissingDate, "date", "")
		return nil
	}
	d, err := ParseDate(text)
	if err != nil {
		warn(WarnUnparseableDate, "date", text)
		return nil
	}
	return &d
}

// WithinTolerance reports whether a and b differ by at most Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

func amountOf(raw upstream.RawAmount) (decimal.Decimal, error) {
	if raw.Invalid {
		return decimal.Decimal{}, ErrUnparseableAmount
	}
	if !raw.Present {
		return decimal.Decimal{}, ErrMissingAmount
	}
	if raw.Number {
		if d, err := decimal.NewFromString(raw.Text); err == nil {
			return d.Round(2), nil
		}
	}
	return ParseAmount(raw.Text)
}

var (
	currencyPattern = regexp.MustCompile(`(?i)\s*(ron|lei|leu)\.?\s*`)
	numericPattern  = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)
)

// ParseAmount reads upstream money text ("862.12", "862,12", "1.234,56",
// "1,234.56", "862.12 RON") and rounds it to two decimals.
func ParseAmount(text string) (decimal.Decimal, error) {
	s := currencyPattern.ReplaceAllString(strings.TrimSpace(text), "")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\'':
			return -1
		}
		return r
	}, s)

	commas, dots := strings.Count(s, ","), strings.Count(s, ".")
	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	if !numericPattern.MatchString(s) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrUnparseableAmount, text)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrUnparseableAmount, text)
	}
	return d.Round(2), nil
}

var dateLayouts = []string{
	"02.01.2006",
	"2.1.2006",
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02.01.2006 15:04",
	"02.01.2006 15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate reads an upstream date and returns the calendar day at UTC midnight.
func ParseDate(text string) (time.Time, error) {
	s := strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableDate, text)
}
