package pricing

import (
	"errors"
	"testing"

	"tillpoint/internal/domain"
)

func TestComputeSingleLineWithTax(t *testing.T) {
	quote, err := Compute([]Line{
		{SKU: "SKU-1", Qty: 3, UnitPriceCents: 500, TaxRatePercent: 10},
	}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if quote.SubtotalCents != 1500 {
		t.Fatalf("subtotal = %d, want 1500", quote.SubtotalCents)
	}
	if quote.TaxCents != 150 {
		t.Fatalf("tax = %d, want 150", quote.TaxCents)
	}
	if quote.TotalCents != 1650 {
		t.Fatalf("total = %d, want 1650", quote.TotalCents)
	}
	if got := quote.Lines[0].TotalCents; got != 1650 {
		t.Fatalf("line total = %d, want 1650", got)
	}
}

func TestComputePercentDiscountProportionalShares(t *testing.T) {
	quote, err := Compute([]Line{
		{SKU: "A", Qty: 1, UnitPriceCents: 1000, TaxRatePercent: 0},
		{SKU: "B", Qty: 1, UnitPriceCents: 2000, TaxRatePercent: 0},
	}, &domain.Discount{Type: domain.DiscountTypePercent, Percent: 10})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if quote.DiscountCents != 300 {
		t.Fatalf("discount = %d, want 300", quote.DiscountCents)
	}
	var shares int64
	for _, line := range quote.Lines {
		shares += line.DiscountShareCents
	}
	if shares != quote.DiscountCents {
		t.Fatalf("discount shares sum to %d, want %d", shares, quote.DiscountCents)
	}
	if quote.TotalCents != 2700 {
		t.Fatalf("total = %d, want 2700", quote.TotalCents)
	}
}

func TestComputeDiscountRemainderAbsorbedByLastLine(t *testing.T) {
	// 3 equal lines and a discount of 100 cannot split evenly; the last
	// line picks up the remainder so the shares always reconcile.
	quote, err := Compute([]Line{
		{SKU: "A", Qty: 1, UnitPriceCents: 333, TaxRatePercent: 0},
		{SKU: "B", Qty: 1, UnitPriceCents: 333, TaxRatePercent: 0},
		{SKU: "C", Qty: 1, UnitPriceCents: 333, TaxRatePercent: 0},
	}, &domain.Discount{Type: domain.DiscountTypeFlat, FlatCents: 100})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	var shares int64
	for _, line := range quote.Lines {
		shares += line.DiscountShareCents
	}
	if shares != 100 {
		t.Fatalf("discount shares sum to %d, want 100", shares)
	}
	if quote.TotalCents != 899 {
		t.Fatalf("total = %d, want 899", quote.TotalCents)
	}
}

func TestComputeDiscountShareNeverExceedsLineSubtotal(t *testing.T) {
	// One big line and three one-cent lines. Proportional rounding puts
	// nearly all of the discount on the first line and leaves a remainder
	// that the tiny lines cannot absorb alone; the settlement must walk
	// backwards without pushing any line total below zero.
	quote, err := Compute([]Line{
		{SKU: "A", Qty: 1, UnitPriceCents: 97, TaxRatePercent: 0},
		{SKU: "B", Qty: 1, UnitPriceCents: 1, TaxRatePercent: 0},
		{SKU: "C", Qty: 1, UnitPriceCents: 1, TaxRatePercent: 0},
		{SKU: "D", Qty: 1, UnitPriceCents: 1, TaxRatePercent: 0},
	}, &domain.Discount{Type: domain.DiscountTypeFlat, FlatCents: 50})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	var shares int64
	for _, line := range quote.Lines {
		if line.TotalCents < 0 {
			t.Fatalf("line %s total = %d, want non-negative", line.SKU, line.TotalCents)
		}
		if line.DiscountShareCents > line.SubtotalCents {
			t.Fatalf("line %s share = %d exceeds subtotal %d", line.SKU, line.DiscountShareCents, line.SubtotalCents)
		}
		shares += line.DiscountShareCents
	}
	if shares != 50 {
		t.Fatalf("discount shares sum to %d, want 50", shares)
	}
	if quote.TotalCents != 50 {
		t.Fatalf("total = %d, want 50", quote.TotalCents)
	}
}

func TestComputeTaxRoundsHalfToEven(t *testing.T) {
	// 5% of 250 is 12.5, which banker's rounding takes down to 12.
	quote, err := Compute([]Line{
		{SKU: "A", Qty: 1, UnitPriceCents: 250, TaxRatePercent: 5},
	}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if quote.TaxCents != 12 {
		t.Fatalf("tax = %d, want 12", quote.TaxCents)
	}

	// 5% of 270 is 13.5, which rounds up to the even 14.
	quote, err = Compute([]Line{
		{SKU: "A", Qty: 1, UnitPriceCents: 270, TaxRatePercent: 5},
	}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if quote.TaxCents != 14 {
		t.Fatalf("tax = %d, want 14", quote.TaxCents)
	}
}

func TestComputeDiscountBelowMinPurchaseIgnored(t *testing.T) {
	quote, err := Compute([]Line{
		{SKU: "A", Qty: 1, UnitPriceCents: 500, TaxRatePercent: 0},
	}, &domain.Discount{Type: domain.DiscountTypeFlat, FlatCents: 100, MinPurchaseCents: 1000})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if quote.DiscountCents != 0 {
		t.Fatalf("discount = %d, want 0 below minimum purchase", quote.DiscountCents)
	}
	if quote.TotalCents != 500 {
		t.Fatalf("total = %d, want 500", quote.TotalCents)
	}
}

func TestComputeFlatDiscountClampedToSubtotal(t *testing.T) {
	quote, err := Compute([]Line{
		{SKU: "A", Qty: 1, UnitPriceCents: 400, TaxRatePercent: 0},
	}, &domain.Discount{Type: domain.DiscountTypeFlat, FlatCents: 900})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if quote.DiscountCents != 400 {
		t.Fatalf("discount = %d, want clamp at subtotal 400", quote.DiscountCents)
	}
	if quote.TotalCents != 0 {
		t.Fatalf("total = %d, want 0", quote.TotalCents)
	}
}

func TestComputeRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		lines    []Line
		discount *domain.Discount
	}{
		{name: "empty cart", lines: nil},
		{name: "zero qty", lines: []Line{{SKU: "A", Qty: 0, UnitPriceCents: 100}}},
		{name: "negative price", lines: []Line{{SKU: "A", Qty: 1, UnitPriceCents: -5}}},
		{name: "tax above 100", lines: []Line{{SKU: "A", Qty: 1, UnitPriceCents: 100, TaxRatePercent: 120}}},
		{name: "missing sku", lines: []Line{{Qty: 1, UnitPriceCents: 100}}},
		{
			name:     "percent above 100",
			lines:    []Line{{SKU: "A", Qty: 1, UnitPriceCents: 100}},
			discount: &domain.Discount{Type: domain.DiscountTypePercent, Percent: 150},
		},
		{
			name:     "unknown discount type",
			lines:    []Line{{SKU: "A", Qty: 1, UnitPriceCents: 100}},
			discount: &domain.Discount{Type: "bogo"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compute(tc.lines, tc.discount)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	lines := []Line{
		{SKU: "A", Qty: 2, UnitPriceCents: 333, TaxRatePercent: 7.5},
		{SKU: "B", Qty: 1, UnitPriceCents: 1299, TaxRatePercent: 10},
	}
	discount := &domain.Discount{Type: domain.DiscountTypePercent, Percent: 12.5}

	first, err := Compute(lines, discount)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Compute(lines, discount)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if again.TotalCents != first.TotalCents || again.TaxCents != first.TaxCents || again.DiscountCents != first.DiscountCents {
			t.Fatalf("quote drifted on recompute: %+v vs %+v", again, first)
		}
	}
}
