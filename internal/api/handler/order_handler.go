package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/source/shopify"
)

// OrderSyncer fetches one order from a source and invoices it.
type OrderSyncer interface {
	SyncOrder(ctx context.Context, sourceName string, id int64) (idempotency.Outcome, error)
}

// OrderHandler re-syncs single orders on demand.
type OrderHandler struct {
	syncer OrderSyncer
	logger *logger.Logger
}

// NewOrderHandler creates a new order handler.
func NewOrderHandler(syncer OrderSyncer, log *logger.Logger) *OrderHandler {
	if log == nil {
		log = logger.GetDefault()
	}
	return &OrderHandler{syncer: syncer, logger: log}
}

// SyncOrderResponse is the body of POST /api/v1/orders/:id/sync.
type SyncOrderResponse struct {
	Status    string `json:"status"`
	InvoiceID string `json:"invoice_id"`
}

// SyncOrder handles POST /api/v1/orders/:id/sync. ?source= defaults to shopify.
func (h *OrderHandler) SyncOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid order id"})
		return
	}
	src := c.DefaultQuery("source", shopify.SourceName)

	ctx := logger.SetOrderID(c.Request.Context(), c.Param("id"))
	out, err := h.syncer.SyncOrder(ctx, src, id)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := SyncOrderResponse{Status: "processed", InvoiceID: out.ArtifactID}
	if out.Duplicate {
		resp.Status = "duplicate"
	}
	log(c, h.logger).WithFields(logger.Fields{
		logger.FieldSource: src,
		"invoice_id":       out.ArtifactID,
		"duplicate":        out.Duplicate,
	}).Info("Order synced")
	c.JSON(http.StatusOK, resp)
}
