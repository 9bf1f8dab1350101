package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/shopsync/internal/idempotency"
)

// IdempotencyHandler exposes ledger diagnostics.
type IdempotencyHandler struct {
	ledger *idempotency.Ledger
}

// NewIdempotencyHandler creates a new idempotency handler.
func NewIdempotencyHandler(ledger *idempotency.Ledger) *IdempotencyHandler {
	return &IdempotencyHandler{ledger: ledger}
}

// Collisions handles GET /api/v1/idempotency/collisions.
func (h *IdempotencyHandler) Collisions(c *gin.Context) {
	collisions, err := h.ledger.DetectCollisions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if collisions == nil {
		collisions = []idempotency.Collision{}
	}
	c.JSON(http.StatusOK, gin.H{
		"collisions": collisions,
		"count":      len(collisions),
	})
}

// GetRecord handles GET /api/v1/idempotency/records/:external_id.
func (h *IdempotencyHandler) GetRecord(c *gin.Context) {
	rec, found, err := h.ledger.Get(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: idempotency.ErrRecordNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}
