// Package numbering generates human-readable transaction and invoice
// numbers. Uniqueness is enforced by the storage layer's unique index;
// callers regenerate and retry on collision up to MaxAttempts. Gaps are
// acceptable, duplicates never are.
package numbering

import (
	"crypto/rand"
	"fmt"
	"time"
)

// MaxAttempts bounds regenerate-and-retry on a number collision before
// the operation fails as exhausted.
const MaxAttempts = 5

// Uppercase alphabet without 0/O, 1/I/L to keep numbers readable on
// printed receipts.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const suffixLen = 6

// Transaction returns a number like TXN-20260114-K7Q2MX.
func Transaction(at time.Time) string {
	return compose("TXN", at)
}

// Invoice returns a number like INV-20260114-B8WNR4.
func Invoice(at time.Time) string {
	return compose("INV", at)
}

func compose(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), randomSuffix())
}

func randomSuffix() string {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal; fall back to the
		// clock so the caller still gets a candidate to try.
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
	}
	out := make([]byte, suffixLen)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
