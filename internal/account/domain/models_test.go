package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestLatestPaymentPrefersMostRecentDate(t *testing.T) {
	payments := []Payment{
		{PropertyID: "12", Amount: decimal.RequireFromString("900.00"), Date: day(2025, 12, 28), FetchSeq: 3},
		{PropertyID: "12", Amount: decimal.RequireFromString("862.12"), Date: day(2026, 1, 30), FetchSeq: 1},
		{PropertyID: "12", Amount: decimal.RequireFromString("1000.00"), FetchSeq: 9},
	}

	latest, ok := LatestPayment(payments)
	require.True(t, ok)
	assert.Equal(t, "862.12", latest.Amount.StringFixed(2))
}

func TestLatestPaymentTieBreaks(t *testing.T) {
	sameDay := day(2026, 1, 30)

	t.Run("higher amount wins", func(t *testing.T) {
		latest, _ := LatestPayment([]Payment{
			{PropertyID: "12", Amount: decimal.NewFromInt(10), Date: sameDay, FetchSeq: 5},
			{PropertyID: "12", Amount: decimal.NewFromInt(20), Date: sameDay, FetchSeq: 1},
		})
		assert.True(t, latest.Amount.Equal(decimal.NewFromInt(20)))
	})

	t.Run("most recently fetched wins", func(t *testing.T) {
		latest, _ := LatestPayment([]Payment{
			{PropertyID: "12", Amount: decimal.NewFromInt(10), Date: sameDay, FetchSeq: 7, Reference: "late"},
			{PropertyID: "12", Amount: decimal.NewFromInt(10), Date: sameDay, FetchSeq: 2, Reference: "early"},
		})
		assert.Equal(t, "late", latest.Reference)
	})
}

func TestLatestPaymentEmpty(t *testing.T) {
	_, ok := LatestPayment(nil)
	assert.False(t, ok)
}

func TestSnapshotPropertyLookup(t *testing.T) {
	snap := &Snapshot{Properties: []PropertySnapshot{
		{Property: Property{ID: "12"}},
		{Property: Property{ID: "P5"}},
	}}

	got, ok := snap.Property("P5")
	require.True(t, ok)
	assert.Equal(t, "P5", got.Property.ID)

	_, ok = snap.Property("missing")
	assert.False(t, ok)

	var empty *Snapshot
	_, ok = empty.Property("12")
	assert.False(t, ok)
}
