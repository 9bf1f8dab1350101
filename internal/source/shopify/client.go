// Package shopify reads orders from the Shopify Admin REST API.
package shopify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/retry"
	"github.com/timmy/shopsync/internal/source"
)

const (
	// SourceName is the registry name of the Shopify source.
	SourceName = "shopify"
	// MaxPageSize is the largest page the Admin API returns.
	MaxPageSize = 250

	defaultAPIVersion = "2024-10"
	accessTokenHeader = "X-Shopify-Access-Token"
)

// Config holds Shopify client configuration.
type Config struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
	// BaseURL overrides https://<shop>/admin/api/<version>.
	BaseURL string
}

// Client is a thin Admin API client.
type Client struct {
	client *resty.Client
}

type ordersResponse struct {
	Orders []domain.Order `json:"orders"`
}

type orderResponse struct {
	Order domain.Order `json:"order"`
}

type countResponse struct {
	Count int `json:"count"`
}

// NewClient creates a new Shopify client.
// Parameters:
//   - cfg: shop domain, access token and API version.
// Returns:
//   - *Client: configured client.
func NewClient(cfg Config) *Client {
	version := cfg.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s/admin/api/%s", strings.TrimSuffix(cfg.ShopDomain, "/"), version)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetHeader(accessTokenHeader, cfg.AccessToken)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	return &Client{client: client}
}

// ListOrders fetches one page of orders.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filter: applied on the first page only; later pages are fully described by pageInfo.
//   - pageInfo: page_info token from a previous call, empty for the first page.
//   - limit: page size, capped at MaxPageSize.
// Returns:
//   - []domain.Order: orders of this page.
//   - string: page_info of the next page, empty on the last page.
//   - error: *retry.RateLimitError on 429, *retry.StatusError on other non-2xx.
func (c *Client) ListOrders(ctx context.Context, filter domain.OrderFilter, pageInfo string, limit int) ([]domain.Order, string, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(clampLimit(limit)))
	if pageInfo != "" {
		params.Set("page_info", pageInfo)
	} else {
		addFilter(params, filter)
	}

	var out ordersResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&out).
		Get("/orders.json")
	if err != nil {
		return nil, "", fmt.Errorf("shopify list orders: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, "", err
	}
	return out.Orders, NextPageInfo(resp.Header().Get("Link")), nil
}

// CountOrders returns the number of orders matching filter.
func (c *Client) CountOrders(ctx context.Context, filter domain.OrderFilter) (int, error) {
	params := url.Values{}
	addFilter(params, filter)

	var out countResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&out).
		Get("/orders/count.json")
	if err != nil {
		return 0, fmt.Errorf("shopify count orders: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var out orderResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		Get("/orders/{id}.json")
	if err != nil {
		return nil, fmt.Errorf("shopify get order: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

func checkResponse(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	statusErr := &retry.StatusError{StatusCode: code, Body: truncate(resp.String(), 512)}
	if code == http.StatusTooManyRequests {
		return &retry.RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
			Err:        statusErr,
		}
	}
	return statusErr
}

func addFilter(params url.Values, filter domain.OrderFilter) {
	status := filter.Status
	if status == "" {
		status = "any"
	}
	params.Set("status", status)
	if filter.FinancialStatus != "" {
		params.Set("financial_status", filter.FinancialStatus)
	}
	if filter.CreatedAtMin != nil {
		params.Set("created_at_min", filter.CreatedAtMin.UTC().Format(time.RFC3339))
	}
	if filter.CreatedAtMax != nil {
		params.Set("created_at_max", filter.CreatedAtMax.UTC().Format(time.RFC3339))
	}
}

// NextPageInfo extracts the page_info of the rel="next" entry of a Link header.
func NextPageInfo(link string) string {
	for _, part := range strings.Split(link, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
		if !ok || !strings.Contains(params, `rel="next"`) {
			continue
		}
		target = strings.Trim(strings.TrimSpace(target), "<>")
		u, err := url.Parse(target)
		if err != nil {
			return ""
		}
		return u.Query().Get("page_info")
	}
	return ""
}

// parseRetryAfter accepts the seconds form Shopify sends, e.g. "2.0".
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Source adapts Client to source.OrderSource for one filter.
type Source struct {
	client *Client
	filter domain.OrderFilter
}

// NewSource creates an order source narrowed to filter.
func NewSource(client *Client, filter domain.OrderFilter) *Source {
	return &Source{client: client, filter: filter}
}

// Factory returns a source.Factory backed by client.
func Factory(client *Client) source.Factory {
	return func(filter domain.OrderFilter) (source.OrderSource, error) {
		return NewSource(client, filter), nil
	}
}

// Name returns SourceName.
func (s *Source) Name() string { return SourceName }

// FetchBatch fetches one page. The cursor is the Admin API page_info token.
func (s *Source) FetchBatch(ctx context.Context, cursor string, limit int) ([]domain.Order, string, error) {
	return s.client.ListOrders(ctx, s.filter, cursor, limit)
}

// Count returns the number of orders matching the filter.
func (s *Source) Count(ctx context.Context) (int, error) {
	return s.client.CountOrders(ctx, s.filter)
}

// GetOrder fetches one order regardless of the filter. A 404 becomes
// source.ErrOrderNotFound.
func (s *Source) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	o, err := s.client.GetOrder(ctx, id)
	var se *retry.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("shopify order %d: %w", id, source.ErrOrderNotFound)
	}
	return o, err
}
