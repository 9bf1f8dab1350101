package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/timmy/shopsync/internal/domain"
)

// ErrCountUnsupported is returned by Count when a source cannot report a total.
var ErrCountUnsupported = errors.New("source does not support counting")

// ErrUnknownSource is returned when no source is registered under a name.
var ErrUnknownSource = errors.New("unknown source")

// ErrOrderNotFound is returned by GetOrder for an id the source does not know.
var ErrOrderNotFound = errors.New("order not found")

// OrderSource defines the interface for order data sources.
type OrderSource interface {
	// Name returns the registered name of this source.
	Name() string

	// FetchBatch fetches a batch of orders starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of orders to fetch.
	// Returns:
	//   - orders: batch of orders.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (orders []domain.Order, nextCursor string, err error)

	// Count returns the number of orders the source will yield, or
	// ErrCountUnsupported.
	Count(ctx context.Context) (int, error)
}

// OrderGetter is implemented by sources that can fetch one order by id.
type OrderGetter interface {
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
}

// Factory opens a source narrowed to filter.
type Factory func(filter domain.OrderFilter) (OrderSource, error)

// Registry maps source names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open returns the source registered under name, narrowed to filter.
func (r *Registry) Open(name string, filter domain.OrderFilter) (OrderSource, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return f(filter)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Matches reports whether order passes filter. Sources that cannot filter
// server side use it while reading.
func Matches(filter domain.OrderFilter, order domain.Order) bool {
	if filter.FinancialStatus != "" && filter.FinancialStatus != "any" &&
		order.FinancialStatus != filter.FinancialStatus {
		return false
	}
	if filter.CreatedAtMin != nil && order.CreatedAt.Before(*filter.CreatedAtMin) {
		return false
	}
	if filter.CreatedAtMax != nil && order.CreatedAt.After(*filter.CreatedAtMax) {
		return false
	}
	return true
}
