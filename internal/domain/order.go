package domain

import (
	"strconv"
	"time"
)

// Order is the subset of a Shopify order the import needs.
// Monetary fields are decimal strings as delivered by the Admin API.
type Order struct {
	ID              int64      `json:"id"`
	OrderNumber     int        `json:"order_number"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	FinancialStatus string     `json:"financial_status"`
	Currency        string     `json:"currency"`
	TotalPrice      string     `json:"total_price"`
	SubtotalPrice   string     `json:"subtotal_price"`
	TotalTax        string     `json:"total_tax"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LineItems       []LineItem `json:"line_items"`
	BillingAddress  *Address   `json:"billing_address,omitempty"`
}

// ExternalID returns the order id as used for idempotency keys.
func (o Order) ExternalID() string {
	return strconv.FormatInt(o.ID, 10)
}

// LineItem is one position of an order.
type LineItem struct {
	ID       int64     `json:"id"`
	SKU      string    `json:"sku"`
	Title    string    `json:"title"`
	Quantity int       `json:"quantity"`
	Price    string    `json:"price"`
	TaxLines []TaxLine `json:"tax_lines,omitempty"`
}

// TaxLine carries the rate applied to a line item, e.g. 0.19.
type TaxLine struct {
	Title string  `json:"title"`
	Rate  float64 `json:"rate"`
	Price string  `json:"price"`
}

// Address is a postal address attached to an order.
type Address struct {
	Name     string `json:"name"`
	Company  string `json:"company,omitempty"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2,omitempty"`
	Zip      string `json:"zip"`
	City     string `json:"city"`
	Country  string `json:"country"`
}
