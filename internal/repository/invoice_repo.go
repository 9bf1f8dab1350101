package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/shopsync/internal/domain"
	"gorm.io/gorm"
)

// ErrInvoiceNotFound is returned when no invoice matches.
var ErrInvoiceNotFound = errors.New("invoice not found")

// InvoiceRepository handles invoice persistence.
type InvoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new InvoiceRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *InvoiceRepository: repository instance bound to db.
func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// CreateNumbered assigns the next sequence of inv.Year and inserts inv in
// one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - inv: invoice to persist; Sequence and Number are filled in.
//   - prefix: invoice number prefix, e.g. "RE".
// Returns:
//   - error: non-nil if numbering or the insert fails.
func (r *InvoiceRepository) CreateNumbered(ctx context.Context, inv *domain.Invoice, prefix string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&domain.Invoice{}).
			Where("year = ?", inv.Year).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error; err != nil {
			return fmt.Errorf("read invoice sequence: %w", err)
		}
		inv.Sequence = last + 1
		inv.Number = domain.FormatInvoiceNumber(prefix, inv.Year, inv.Sequence)
		if err := tx.Create(inv).Error; err != nil {
			return fmt.Errorf("insert invoice %s: %w", inv.Number, err)
		}
		return nil
	})
}

// GetByID retrieves an invoice by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: invoice ID.
// Returns:
//   - *domain.Invoice: invoice if found.
//   - error: ErrInvoiceNotFound or a query error.
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := r.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetByExternalOrderID returns the latest invoice created for an order.
func (r *InvoiceRepository) GetByExternalOrderID(ctx context.Context, orderID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := r.db.WithContext(ctx).
		Where("external_order_id = ?", orderID).
		Order("created_at DESC").
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// List returns invoices ordered by number, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of invoices to return.
//   - offset: number of invoices to skip.
// Returns:
//   - []domain.Invoice: page of invoices.
//   - int64: total invoice count.
//   - error: non-nil if the query fails.
func (r *InvoiceRepository) List(ctx context.Context, limit, offset int) ([]domain.Invoice, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Invoice{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var invoices []domain.Invoice
	err := r.db.WithContext(ctx).
		Order("year DESC, sequence DESC").
		Limit(limit).
		Offset(offset).
		Find(&invoices).Error
	if err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

// CountByStatus returns invoice counts grouped by status.
func (r *InvoiceRepository) CountByStatus(ctx context.Context) (map[domain.InvoiceStatus]int64, error) {
	var rows []struct {
		Status domain.InvoiceStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.Invoice{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[domain.InvoiceStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
