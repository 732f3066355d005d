// Package invoice builds and verifies the tamper-evident payload that
// accompanies every issued invoice. The payload embeds the invoice
// number, total, issue time and transaction id plus a keyed hash, so a
// verifier can check authenticity offline.
package invoice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tillpoint/internal/domain"
)

type Issuer struct {
	secret []byte
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue builds the invoice record for a committed transaction: monetary
// snapshot copied at issue time, verification payload signed with the
// server secret. Persistence is the caller's concern.
func (i *Issuer) Issue(tx domain.Transaction, number string, at time.Time) domain.Invoice {
	payload := domain.InvoicePayload{
		InvoiceNumber: number,
		TotalCents:    tx.TotalCents,
		IssuedAt:      at.UTC(),
		TransactionID: tx.ID,
	}
	payload.Signature = i.sign(payload)

	return domain.Invoice{
		ID:            uuid.NewString(),
		Number:        number,
		TransactionID: tx.ID,
		SubtotalCents: tx.SubtotalCents,
		TaxCents:      tx.TaxCents,
		DiscountCents: tx.DiscountCents,
		TotalCents:    tx.TotalCents,
		Status:        domain.InvoiceStatusSent,
		Payload:       Encode(payload),
		IssuedAt:      at.UTC(),
	}
}

// Verify decodes an encoded payload and checks its signature against
// the server secret. No database lookup is involved.
func (i *Issuer) Verify(encoded string) (domain.InvoicePayload, bool) {
	payload, err := Decode(encoded)
	if err != nil {
		return domain.InvoicePayload{}, false
	}
	expected := i.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(payload.Signature)) {
		return payload, false
	}
	return payload, true
}

// sign computes an HMAC-SHA256 over the canonical concatenation of the
// payload fields. The signature field itself is excluded.
func (i *Issuer) sign(p domain.InvoicePayload) string {
	mac := hmac.New(sha256.New, i.secret)
	fmt.Fprintf(mac, "%s|%d|%s|%s", p.InvoiceNumber, p.TotalCents, p.IssuedAt.UTC().Format(time.RFC3339), p.TransactionID)
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode renders a payload as base64(JSON), the form embedded in a
// scannable code.
func Encode(p domain.InvoicePayload) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func Decode(encoded string) (domain.InvoicePayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return domain.InvoicePayload{}, fmt.Errorf("payload is not base64: %w", err)
	}
	var payload domain.InvoicePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InvoicePayload{}, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload, nil
}
