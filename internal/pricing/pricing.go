// Package pricing turns cart lines, product snapshots and an optional
// discount rule into a quoted total. It is pure: no clock, no storage,
// deterministic for a given input.
package pricing

import (
	"github.com/shopspring/decimal"

	"tillpoint/internal/domain"
)

// Line is one cart line joined with the product snapshot taken at
// selection time.
type Line struct {
	SKU            string
	Qty            int
	UnitPriceCents int64
	TaxRatePercent float64
}

type QuotedLine struct {
	SKU                string
	Qty                int
	UnitPriceCents     int64
	TaxRatePercent     float64
	SubtotalCents      int64
	DiscountShareCents int64
	TaxCents           int64
	TotalCents         int64
}

type Quote struct {
	Lines         []QuotedLine
	SubtotalCents int64
	DiscountCents int64
	TaxCents      int64
	TotalCents    int64
}

var oneHundred = decimal.NewFromInt(100)

// Compute prices a cart. Tax is computed line by line on the line
// subtotal minus its proportional discount share, using that line's tax
// rate. All rounding is half-to-even at the smallest currency unit, and
// the discount shares are reconciled so they sum exactly to the cart
// discount (the last line absorbs the rounding remainder).
func Compute(lines []Line, discount *domain.Discount) (Quote, error) {
	if len(lines) == 0 {
		return Quote{}, &domain.ValidationError{Field: "lines", Reason: "cart is empty"}
	}

	subtotal := int64(0)
	for _, line := range lines {
		if line.SKU == "" {
			return Quote{}, &domain.ValidationError{Field: "lines", Reason: "sku is required"}
		}
		if line.Qty < 1 {
			return Quote{}, &domain.ValidationError{Field: "lines", Reason: "qty must be positive"}
		}
		if line.UnitPriceCents < 0 {
			return Quote{}, &domain.ValidationError{Field: "lines", Reason: "unit price must not be negative"}
		}
		if line.TaxRatePercent < 0 || line.TaxRatePercent > 100 {
			return Quote{}, &domain.ValidationError{Field: "lines", Reason: "tax rate must be between 0 and 100"}
		}
		subtotal += line.UnitPriceCents * int64(line.Qty)
	}

	discountCents, err := discountAmount(subtotal, discount)
	if err != nil {
		return Quote{}, err
	}

	quote := Quote{
		Lines:         make([]QuotedLine, 0, len(lines)),
		SubtotalCents: subtotal,
		DiscountCents: discountCents,
	}

	shares := discountShares(lines, subtotal, discountCents)
	for i, line := range lines {
		lineSubtotal := line.UnitPriceCents * int64(line.Qty)
		share := shares[i]

		taxBase := lineSubtotal - share
		tax := roundBank(decimal.NewFromInt(taxBase).
			Mul(decimal.NewFromFloat(line.TaxRatePercent)).
			Div(oneHundred))

		quote.Lines = append(quote.Lines, QuotedLine{
			SKU:                line.SKU,
			Qty:                line.Qty,
			UnitPriceCents:     line.UnitPriceCents,
			TaxRatePercent:     line.TaxRatePercent,
			SubtotalCents:      lineSubtotal,
			DiscountShareCents: share,
			TaxCents:           tax,
			TotalCents:         taxBase + tax,
		})
		quote.TaxCents += tax
	}

	quote.TotalCents = quote.SubtotalCents + quote.TaxCents - quote.DiscountCents
	return quote, nil
}

// discountShares splits the cart discount across lines proportionally
// to their subtotals, then settles the rounding remainder from the last
// line backwards. Every share stays within [0, lineSubtotal] so no line
// total can go negative; the shares always sum exactly to the discount.
func discountShares(lines []Line, subtotalCents, discountCents int64) []int64 {
	shares := make([]int64, len(lines))
	if discountCents <= 0 || subtotalCents <= 0 {
		return shares
	}

	allocated := int64(0)
	for i, line := range lines {
		lineSubtotal := line.UnitPriceCents * int64(line.Qty)
		shares[i] = roundBank(decimal.NewFromInt(discountCents).
			Mul(decimal.NewFromInt(lineSubtotal)).
			Div(decimal.NewFromInt(subtotalCents)))
		allocated += shares[i]
	}

	remainder := discountCents - allocated
	for i := len(lines) - 1; i >= 0 && remainder != 0; i-- {
		lineSubtotal := lines[i].UnitPriceCents * int64(lines[i].Qty)
		if remainder > 0 {
			add := lineSubtotal - shares[i]
			if add > remainder {
				add = remainder
			}
			shares[i] += add
			remainder -= add
		} else {
			take := shares[i]
			if take > -remainder {
				take = -remainder
			}
			shares[i] -= take
			remainder += take
		}
	}
	return shares
}

func discountAmount(subtotalCents int64, discount *domain.Discount) (int64, error) {
	if discount == nil {
		return 0, nil
	}
	if subtotalCents < discount.MinPurchaseCents {
		return 0, nil
	}

	switch discount.Type {
	case domain.DiscountTypeFlat:
		if discount.FlatCents < 0 {
			return 0, &domain.ValidationError{Field: "discount", Reason: "flat amount must not be negative"}
		}
		if discount.FlatCents > subtotalCents {
			return subtotalCents, nil
		}
		return discount.FlatCents, nil
	case domain.DiscountTypePercent:
		if discount.Percent < 0 || discount.Percent > 100 {
			return 0, &domain.ValidationError{Field: "discount", Reason: "percent must be between 0 and 100"}
		}
		amount := roundBank(decimal.NewFromInt(subtotalCents).
			Mul(decimal.NewFromFloat(discount.Percent)).
			Div(oneHundred))
		if amount > subtotalCents {
			amount = subtotalCents
		}
		return amount, nil
	default:
		return 0, &domain.ValidationError{Field: "discount", Reason: "unknown discount type"}
	}
}

// roundBank rounds half-to-even at the smallest currency unit so that
// repeated recomputation of the same cart never drifts by a cent.
func roundBank(d decimal.Decimal) int64 {
	return d.RoundBank(0).IntPart()
}
