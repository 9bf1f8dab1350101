package shopify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/retry"
	"github.com/timmy/shopsync/internal/source"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{AccessToken: "shpat_test", BaseURL: srv.URL})
}

func TestListOrdersPaginates(t *testing.T) {
	var calls []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders.json", r.URL.Path)
		assert.Equal(t, "shpat_test", r.Header.Get(accessTokenHeader))
		calls = append(calls, r.URL.RawQuery)

		q := r.URL.Query()
		switch q.Get("page_info") {
		case "":
			assert.Equal(t, "any", q.Get("status"))
			assert.Equal(t, "paid", q.Get("financial_status"))
			assert.Equal(t, "2025-01-01T00:00:00Z", q.Get("created_at_min"))
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/orders.json?limit=2&page_info=p2>; rel="next"`, r.Host))
			fmt.Fprint(w, `{"orders":[{"id":1,"currency":"EUR"},{"id":2,"currency":"EUR"}]}`)
		case "p2":
			assert.Empty(t, q.Get("status"))
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/orders.json?limit=2&page_info=p1>; rel="previous"`, r.Host))
			fmt.Fprint(w, `{"orders":[{"id":3,"currency":"EUR"}]}`)
		default:
			t.Errorf("unexpected page_info %q", q.Get("page_info"))
		}
	})

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewSource(client, domain.OrderFilter{FinancialStatus: "paid", CreatedAtMin: &since})
	ctx := context.Background()

	orders, next, err := src.FetchBatch(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(1), orders[0].ID)
	assert.Equal(t, "p2", next)

	orders, next, err = src.FetchBatch(ctx, next, 2)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Empty(t, next)
	assert.Len(t, calls, 2)
}

func TestListOrdersErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		retryable bool
		check     func(t *testing.T, err error)
	}{
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			header:    map[string]string{"Retry-After": "2.0"},
			retryable: true,
			check: func(t *testing.T, err error) {
				var rl *retry.RateLimitError
				require.True(t, errors.As(err, &rl))
				assert.Equal(t, 2*time.Second, rl.RetryAfter)
			},
		},
		{
			name:      "service unavailable",
			status:    http.StatusServiceUnavailable,
			retryable: true,
			check: func(t *testing.T, err error) {
				var se *retry.StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
			},
		},
		{
			name:      "unauthorized",
			status:    http.StatusUnauthorized,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"errors":"nope"}`)
			})

			_, _, err := client.ListOrders(context.Background(), domain.OrderFilter{}, "", 50)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestCountAndGetOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/count.json":
			assert.Equal(t, "any", r.URL.Query().Get("status"))
			fmt.Fprint(w, `{"count":42}`)
		case "/orders/7.json":
			fmt.Fprint(w, `{"order":{"id":7,"name":"#1007","total_price":"19.99"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	n, err := NewSource(client, domain.OrderFilter{}).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	o, err := client.GetOrder(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "#1007", o.Name)
	assert.Equal(t, "19.99", o.TotalPrice)

	src := NewSource(client, domain.OrderFilter{})
	o, err = src.GetOrder(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), o.ID)

	_, err = src.GetOrder(ctx, 8)
	assert.ErrorIs(t, err, source.ErrOrderNotFound)
}

func TestNextPageInfo(t *testing.T) {
	tests := []struct {
		name string
		link string
		want string
	}{
		{name: "empty", link: "", want: ""},
		{name: "next only", link: `<https://s.myshopify.com/admin/api/2024-10/orders.json?limit=50&page_info=abc>; rel="next"`, want: "abc"},
		{
			name: "previous and next",
			link: `<https://s.myshopify.com/orders.json?page_info=old>; rel="previous", <https://s.myshopify.com/orders.json?page_info=new>; rel="next"`,
			want: "new",
		},
		{name: "previous only", link: `<https://s.myshopify.com/orders.json?page_info=old>; rel="previous"`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextPageInfo(tt.link))
		})
	}
}
