package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/source"
)

const (
	// ManifestFileName is the JSONL manifest file name in staging sources.
	ManifestFileName = "manifest.jsonl"
	// SourcePrefix prefixes the registry name of every staging source.
	SourcePrefix = "staging:"
)

// Adapter implements source.OrderSource over an exported order manifest.
// Each manifest line is one order in Admin API JSON.
type Adapter struct {
	basePath string
	sourceID string
	filter   domain.OrderFilter

	once    sync.Once
	loadErr error
	orders  []domain.Order
	skipped int
}

// NewAdapter creates a new staging adapter.
// Parameters:
//   - basePath: base path to the staging directory.
//   - sourceID: identifier for the staging source (a subdirectory of basePath).
//   - filter: orders not matching filter are skipped while loading.
// Returns:
//   - *Adapter: initialized staging adapter.
func NewAdapter(basePath, sourceID string, filter domain.OrderFilter) *Adapter {
	return &Adapter{
		basePath: basePath,
		sourceID: sourceID,
		filter:   filter,
	}
}

// Factory returns a source.Factory for sourceID under basePath.
func Factory(basePath, sourceID string) source.Factory {
	return func(filter domain.OrderFilter) (source.OrderSource, error) {
		return NewAdapter(basePath, sourceID, filter), nil
	}
}

// Name returns the source name with the "staging:" prefix.
func (a *Adapter) Name() string {
	return SourcePrefix + a.sourceID
}

// FetchBatch fetches a batch of orders from the manifest.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of orders to fetch.
// Returns:
//   - []domain.Order: batch of orders.
//   - string: next cursor or empty if no more orders.
//   - error: non-nil if loading or parsing fails.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]domain.Order, string, error) {
	if err := a.load(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		return nil, "", fmt.Errorf("invalid limit %d", limit)
	}

	startIndex := 0
	if cursor != "" {
		var err error
		startIndex, err = strconv.Atoi(cursor)
		if err != nil || startIndex < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}

	if startIndex >= len(a.orders) {
		return []domain.Order{}, "", nil
	}

	endIndex := min(startIndex+limit, len(a.orders))
	batch := make([]domain.Order, endIndex-startIndex)
	copy(batch, a.orders[startIndex:endIndex])

	nextCursor := ""
	if endIndex < len(a.orders) {
		nextCursor = strconv.Itoa(endIndex)
	}
	return batch, nextCursor, nil
}

// Count returns the number of orders matching the filter.
func (a *Adapter) Count(ctx context.Context) (int, error) {
	if err := a.load(); err != nil {
		return 0, err
	}
	return len(a.orders), nil
}

// Skipped returns how many manifest lines could not be parsed.
func (a *Adapter) Skipped() int {
	_ = a.load()
	return a.skipped
}

func (a *Adapter) load() error {
	a.once.Do(func() {
		if err := a.loadOrders(); err != nil {
			a.loadErr = fmt.Errorf("failed to load staging orders: %w", err)
		}
	})
	return a.loadErr
}

// loadOrders reads the manifest and sorts orders by id.
func (a *Adapter) loadOrders() error {
	manifestPath := filepath.Join(a.basePath, a.sourceID, ManifestFileName)

	file, err := os.Open(manifestPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("manifest file not found: %s", manifestPath)
	}
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var order domain.Order
		if err := json.Unmarshal([]byte(line), &order); err != nil || order.ID == 0 {
			a.skipped++
			continue
		}
		if !source.Matches(a.filter, order) {
			continue
		}
		a.orders = append(a.orders, order)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}

	sort.Slice(a.orders, func(i, j int) bool {
		return a.orders[i].ID < a.orders[j].ID
	})
	return nil
}

// ListStagingSources lists all available staging sources.
// Parameters:
//   - basePath: base path to the staging directory.
// Returns:
//   - []string: list of staging source IDs.
//   - error: non-nil if reading the directory fails.
func ListStagingSources(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var sources []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(basePath, entry.Name(), ManifestFileName)
		if _, err := os.Stat(manifestPath); err == nil {
			sources = append(sources, entry.Name())
		}
	}
	return sources, nil
}
