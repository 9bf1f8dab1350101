package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/timmy/shopsync/internal/domain"
)

// Fingerprint encodes the order fields whose change must force the invoice
// to be regenerated: amounts, currency, financial status and timestamps.
// The order id is left out; records are keyed by it already, and distinct
// orders sharing a fingerprint is what DetectCollisions looks for.
func Fingerprint(o domain.Order) string {
	parts := []string{
		strings.TrimSpace(o.TotalPrice),
		strings.TrimSpace(o.SubtotalPrice),
		strings.TrimSpace(o.TotalTax),
		strings.ToUpper(o.Currency),
		o.FinancialStatus,
		o.CreatedAt.UTC().Format(time.RFC3339Nano),
		o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
