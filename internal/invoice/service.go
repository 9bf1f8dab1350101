// Package invoice turns imported orders into numbered invoices.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/repository"
)

// DefaultTaxRate is the German standard VAT rate applied to lines without tax lines.
const DefaultTaxRate = 0.19

var (
	ErrNoLineItems     = errors.New("order has no line items")
	ErrMissingCurrency = errors.New("order has no currency")
	ErrNotFound        = repository.ErrInvoiceNotFound
)

// Service creates invoices from orders.
type Service struct {
	repo    *repository.InvoiceRepository
	taxRate float64
	prefix  string
	now     func() time.Time

	// numbering reads MAX(sequence); serialize it inside the process.
	numberMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithTaxRate sets the rate for lines that carry none.
func WithTaxRate(rate float64) Option {
	return func(s *Service) {
		if rate >= 0 {
			s.taxRate = rate
		}
	}
}

// WithNumberPrefix sets the invoice number prefix.
func WithNumberPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an invoice service.
func NewService(repo *repository.InvoiceRepository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		taxRate: DefaultTaxRate,
		prefix:  "RE",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build computes an unsaved invoice for order. Line prices are gross.
func (s *Service) Build(order domain.Order) (*domain.Invoice, error) {
	if len(order.LineItems) == 0 {
		return nil, ErrNoLineItems
	}
	if strings.TrimSpace(order.Currency) == "" {
		return nil, ErrMissingCurrency
	}

	inv := &domain.Invoice{
		ExternalOrderID: order.ExternalID(),
		OrderNumber:     orderNumber(order),
		CustomerEmail:   order.Email,
		Currency:        strings.ToUpper(order.Currency),
		Fingerprint:     idempotency.Fingerprint(order),
		Status:          domain.InvoiceStatusDraft,
		Lines:           make([]domain.InvoiceLine, 0, len(order.LineItems)),
	}
	if order.BillingAddress != nil {
		inv.CustomerName = order.BillingAddress.Name
	}

	for _, item := range order.LineItems {
		line, err := s.buildLine(item)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", item.ID, err)
		}
		inv.Lines = append(inv.Lines, line)
		inv.NetAmount += line.Net
		inv.TaxAmount += line.Tax
		inv.GrossAmount += line.Gross
	}
	return inv, nil
}

func (s *Service) buildLine(item domain.LineItem) (domain.InvoiceLine, error) {
	if item.Quantity <= 0 {
		return domain.InvoiceLine{}, fmt.Errorf("invalid quantity %d", item.Quantity)
	}
	unit, err := domain.ParseCents(item.Price)
	if err != nil {
		return domain.InvoiceLine{}, err
	}

	rate := s.taxRate
	if len(item.TaxLines) > 0 {
		rate = 0
		for _, tl := range item.TaxLines {
			rate += tl.Rate
		}
	}

	gross := unit * int64(item.Quantity)
	net := int64(math.Round(float64(gross) / (1 + rate)))
	return domain.InvoiceLine{
		SKU:       item.SKU,
		Title:     item.Title,
		Quantity:  item.Quantity,
		UnitPrice: unit,
		TaxRate:   rate,
		Net:       net,
		Tax:       gross - net,
		Gross:     gross,
	}, nil
}

// CreateFromOrder validates order, numbers the invoice and persists it as issued.
func (s *Service) CreateFromOrder(ctx context.Context, order domain.Order) (*domain.Invoice, error) {
	inv, err := s.Build(order)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	inv.ID = uuid.NewString()
	inv.Year = now.Year()
	inv.Status = domain.InvoiceStatusIssued
	inv.IssuedAt = &now

	s.numberMu.Lock()
	defer s.numberMu.Unlock()
	if err := s.repo.CreateNumbered(ctx, inv, s.prefix); err != nil {
		return nil, err
	}
	return inv, nil
}

// Get returns the invoice with id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByOrder returns the latest invoice for an external order id.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*domain.Invoice, error) {
	return s.repo.GetByExternalOrderID(ctx, orderID)
}

// List returns a page of invoices and the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Invoice, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

func orderNumber(o domain.Order) string {
	if o.Name != "" {
		return o.Name
	}
	if o.OrderNumber > 0 {
		return fmt.Sprintf("#%d", o.OrderNumber)
	}
	return o.ExternalID()
}

// Stats returns invoice counts grouped by status.
func (s *Service) Stats(ctx context.Context) (map[domain.InvoiceStatus]int64, error) {
	return s.repo.CountByStatus(ctx)
}
