package domain

import "fmt"

// ValidationError rejects a malformed cart or payment shape before any
// storage access happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientStockError aborts a checkout with no writes. It names the
// first failing line so the caller can re-quote with reduced quantity.
type InsufficientStockError struct {
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

// PaymentMismatchError aborts a checkout whose tender does not cover the
// charged total exactly.
type PaymentMismatchError struct {
	ExpectedCents int64
	ReceivedCents int64
}

func (e *PaymentMismatchError) Error() string {
	delta := e.ReceivedCents - e.ExpectedCents
	if delta < 0 {
		return fmt.Sprintf("payment mismatch: short by %d cents (expected %d, received %d)", -delta, e.ExpectedCents, e.ReceivedCents)
	}
	return fmt.Sprintf("payment mismatch: over by %d cents (expected %d, received %d)", delta, e.ExpectedCents, e.ReceivedCents)
}

// DeltaCents is received minus expected; negative means a shortfall.
func (e *PaymentMismatchError) DeltaCents() int64 {
	return e.ReceivedCents - e.ExpectedCents
}

// IdentifierExhaustedError means number generation kept colliding past
// the retry bound. Operational alarm, not a cart-correctable failure.
type IdentifierExhaustedError struct {
	Kind     string
	Attempts int
}

func (e *IdentifierExhaustedError) Error() string {
	return fmt.Sprintf("%s number generation exhausted after %d attempts", e.Kind, e.Attempts)
}

// InvoicePendingError surfaces after the sale is already committed:
// invoice issuance failed and was queued for retry. The sale stands.
type InvoicePendingError struct {
	TransactionID string
	Cause         error
}

func (e *InvoicePendingError) Error() string {
	return fmt.Sprintf("invoice issuance pending for transaction %s: %v", e.TransactionID, e.Cause)
}

func (e *InvoicePendingError) Unwrap() error { return e.Cause }

// InvalidStateTransitionError rejects a refund or void against a
// transaction that is not currently completed.
type InvalidStateTransitionError struct {
	TransactionID string
	From          string
	To            string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("transaction %s cannot move from %s to %s", e.TransactionID, e.From, e.To)
}
