package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/invoice"
)

// InvoiceHandler handles invoice-related endpoints.
type InvoiceHandler struct {
	invoices *invoice.Service
}

// NewInvoiceHandler creates a new invoice handler.
func NewInvoiceHandler(invoices *invoice.Service) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices}
}

// InvoiceListResponse is the body of GET /api/v1/invoices.
type InvoiceListResponse struct {
	Invoices []domain.Invoice `json:"invoices"`
	Total    int64            `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListInvoices handles GET /api/v1/invoices.
// ?order_id= narrows the reply to the invoice of one external order.
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	ctx := c.Request.Context()

	if orderID := c.Query("order_id"); orderID != "" {
		inv, err := h.invoices.GetByOrder(ctx, orderID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, InvoiceListResponse{Invoices: []domain.Invoice{*inv}, Total: 1, Limit: 1})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	invoices, total, err := h.invoices.List(ctx, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	c.JSON(http.StatusOK, InvoiceListResponse{
		Invoices: invoices,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// GetInvoice handles GET /api/v1/invoices/:id.
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	inv, err := h.invoices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// GetStats handles GET /api/v1/invoices/stats.
func (h *InvoiceHandler) GetStats(c *gin.Context) {
	counts, err := h.invoices.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"by_status": counts,
	})
}
