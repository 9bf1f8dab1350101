package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InvoiceStatus represents the status of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "draft"
	InvoiceStatusIssued InvoiceStatus = "issued"
)

// Invoice is the artifact created from one imported order.
// Amounts are stored in cents.
type Invoice struct {
	ID              string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	Number          string        `gorm:"type:varchar(32);uniqueIndex;not null" json:"number"`
	Year            int           `gorm:"index;not null" json:"year"`
	Sequence        int           `gorm:"not null" json:"sequence"`
	ExternalOrderID string        `gorm:"type:varchar(64);index;not null" json:"external_order_id"`
	OrderNumber     string        `gorm:"type:text" json:"order_number"`
	CustomerEmail   string        `gorm:"type:text" json:"customer_email"`
	CustomerName    string        `gorm:"type:text" json:"customer_name,omitempty"`
	Currency        string        `gorm:"type:varchar(3);not null" json:"currency"`
	NetAmount       int64         `gorm:"not null" json:"net_amount"`
	TaxAmount       int64         `gorm:"not null" json:"tax_amount"`
	GrossAmount     int64         `gorm:"not null" json:"gross_amount"`
	Status          InvoiceStatus `gorm:"type:varchar(16);default:draft" json:"status"`
	Fingerprint     string        `gorm:"type:text" json:"fingerprint,omitempty"`
	Lines           []InvoiceLine `gorm:"type:text;serializer:json" json:"lines"`
	IssuedAt        *time.Time    `json:"issued_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Invoice.
func (Invoice) TableName() string {
	return "invoices"
}

// InvoiceLine is one position of an invoice.
type InvoiceLine struct {
	SKU       string  `json:"sku,omitempty"`
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	TaxRate   float64 `json:"tax_rate"`
	Net       int64   `json:"net"`
	Tax       int64   `json:"tax"`
	Gross     int64   `json:"gross"`
}

// FormatInvoiceNumber renders "<prefix>-<year>-<seq>" with a five digit sequence.
func FormatInvoiceNumber(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%d-%05d", prefix, year, seq)
}

// ParseCents converts a decimal amount such as "19.99" to cents.
// Empty input is zero.
func ParseCents(amount string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, nil
	}
	neg := strings.HasPrefix(amount, "-")
	amount = strings.TrimPrefix(amount, "-")

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", amount)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}
