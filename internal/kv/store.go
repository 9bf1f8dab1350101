// Package kv provides the injected key-value tables used for jobs,
// checkpoints and idempotency records.
package kv

import "context"

// Store is a table of values addressed by string keys.
// Implementations must be safe for concurrent use.
type Store[V any] interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value V, found bool, err error)
	// Set creates or replaces the value for key.
	Set(ctx context.Context, key string, value V) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every value in the table in unspecified order.
	List(ctx context.Context) ([]V, error)
}
