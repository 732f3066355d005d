// Package payment validates that one or several tender entries settle a
// charged total exactly, and derives cash change.
package payment

import (
	"strings"

	"tillpoint/internal/domain"
)

// Settlement is the reconciled tender for a transaction. Payments sum
// exactly to the charged total; cash change is derived, never stored as
// paid.
type Settlement struct {
	Method      string
	ChangeCents int64
	Payments    []domain.Payment
}

// Reconcile validates tender against the total due.
//
// Rules: a single cash tender may exceed the total, the surplus becomes
// change. A single non-cash tender must match the total exactly and
// carry an external confirmation reference. Split tender must sum to
// the total exactly with no change, and every non-cash entry needs a
// reference.
func Reconcile(totalCents int64, tenders []domain.Payment) (Settlement, error) {
	if totalCents < 0 {
		return Settlement{}, &domain.ValidationError{Field: "total", Reason: "must not be negative"}
	}
	if len(tenders) == 0 {
		return Settlement{}, &domain.ValidationError{Field: "payments", Reason: "at least one tender entry is required"}
	}

	normalized := make([]domain.Payment, 0, len(tenders))
	for _, tender := range tenders {
		method := strings.ToLower(strings.TrimSpace(tender.Method))
		if !isTenderMethod(method) {
			return Settlement{}, &domain.ValidationError{Field: "payments", Reason: "unsupported payment method " + tender.Method}
		}
		if tender.AmountCents < 1 {
			return Settlement{}, &domain.ValidationError{Field: "payments", Reason: "tender amount must be positive"}
		}
		normalized = append(normalized, domain.Payment{
			Method:      method,
			AmountCents: tender.AmountCents,
			Reference:   strings.TrimSpace(tender.Reference),
		})
	}

	if len(normalized) == 1 {
		return reconcileSingle(totalCents, normalized[0])
	}
	return reconcileSplit(totalCents, normalized)
}

func reconcileSingle(totalCents int64, tender domain.Payment) (Settlement, error) {
	if tender.Method == domain.PaymentMethodCash {
		if tender.AmountCents < totalCents {
			return Settlement{}, &domain.PaymentMismatchError{ExpectedCents: totalCents, ReceivedCents: tender.AmountCents}
		}
		change := tender.AmountCents - totalCents
		tender.AmountCents = totalCents
		return Settlement{
			Method:      domain.PaymentMethodCash,
			ChangeCents: change,
			Payments:    []domain.Payment{tender},
		}, nil
	}

	if tender.Reference == "" {
		return Settlement{}, &domain.ValidationError{Field: "payments", Reason: tender.Method + " tender requires a confirmation reference"}
	}
	if tender.AmountCents != totalCents {
		return Settlement{}, &domain.PaymentMismatchError{ExpectedCents: totalCents, ReceivedCents: tender.AmountCents}
	}
	return Settlement{
		Method:   tender.Method,
		Payments: []domain.Payment{tender},
	}, nil
}

func reconcileSplit(totalCents int64, tenders []domain.Payment) (Settlement, error) {
	received := int64(0)
	for _, tender := range tenders {
		if tender.Method != domain.PaymentMethodCash && tender.Reference == "" {
			return Settlement{}, &domain.ValidationError{Field: "payments", Reason: tender.Method + " tender requires a confirmation reference"}
		}
		received += tender.AmountCents
	}
	// No change across split tenders: the sum must match exactly.
	if received != totalCents {
		return Settlement{}, &domain.PaymentMismatchError{ExpectedCents: totalCents, ReceivedCents: received}
	}
	return Settlement{
		Method:   domain.PaymentMethodSplit,
		Payments: tenders,
	}, nil
}

func isTenderMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodQRIS, domain.PaymentMethodEWallet:
		return true
	default:
		return false
	}
}
