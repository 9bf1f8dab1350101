package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/queue"
	"github.com/timmy/shopsync/internal/retry"
)

// Shopify webhook headers.
const (
	HeaderHmac      = "X-Shopify-Hmac-Sha256"
	HeaderTopic     = "X-Shopify-Topic"
	HeaderWebhookID = "X-Shopify-Webhook-Id"
	HeaderShop      = "X-Shopify-Shop-Domain"
)

const maxWebhookBody = 1 << 20

// invoicedTopics are the order topics that produce an invoice. An empty
// topic is treated as orders/create.
var invoicedTopics = map[string]bool{
	"":              true,
	"orders/create": true,
	"orders/paid":   true,
}

// OrderProcessor invoices a single order.
type OrderProcessor interface {
	ProcessOrder(ctx context.Context, order domain.Order) (idempotency.Outcome, error)
}

// OrderPublisher hands an order to the background worker.
type OrderPublisher interface {
	PublishOrder(ctx context.Context, msg queue.OrderMessage) error
}

// WebhookHandler receives Shopify order webhooks.
type WebhookHandler struct {
	secret    []byte
	processor OrderProcessor
	publisher OrderPublisher
	logger    *logger.Logger
}

// NewWebhookHandler creates a webhook handler. With a non-nil publisher
// orders are queued; otherwise they are invoiced inline.
func NewWebhookHandler(secret string, processor OrderProcessor, publisher OrderPublisher, log *logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.GetDefault()
	}
	return &WebhookHandler{
		secret:    []byte(secret),
		processor: processor,
		publisher: publisher,
		logger:    log,
	}
}

// WebhookResponse is the body of a handled webhook.
type WebhookResponse struct {
	Status    string `json:"status"`
	InvoiceID string `json:"invoice_id,omitempty"`
}

// VerifyHMAC reports whether signature is the base64 HMAC-SHA256 of body
// under secret. An empty secret never verifies.
func VerifyHMAC(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignHMAC returns the signature Shopify sends for body.
func SignHMAC(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ShopifyOrders handles POST /webhooks/shopify/orders.
func (h *WebhookHandler) ShopifyOrders(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "cannot read body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large"})
		return
	}

	if !VerifyHMAC(h.secret, body, c.GetHeader(HeaderHmac)) {
		log(c, h.logger).WithField("shop", c.GetHeader(HeaderShop)).Warn("Webhook signature rejected")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
		return
	}

	topic := c.GetHeader(HeaderTopic)
	if !invoicedTopics[topic] {
		c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
		return
	}

	var order domain.Order
	if err := json.Unmarshal(body, &order); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid order payload"})
		return
	}
	if order.ID == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "order id is required"})
		return
	}

	ctx := logger.SetOrderID(c.Request.Context(), order.ExternalID())
	l := logger.FromContext(ctx).WithFields(logger.Fields{
		"topic":      topic,
		"webhook_id": c.GetHeader(HeaderWebhookID),
	})

	if h.publisher != nil {
		msg := queue.OrderMessage{
			Order:      order,
			Topic:      topic,
			WebhookID:  c.GetHeader(HeaderWebhookID),
			ReceivedAt: time.Now().UTC(),
		}
		if err := h.publisher.PublishOrder(ctx, msg); err != nil {
			l.WithError(err).Error("Failed to queue webhook order")
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "queue unavailable"})
			return
		}
		l.Info("Webhook order queued")
		c.JSON(http.StatusAccepted, WebhookResponse{Status: "queued"})
		return
	}

	outcome, err := h.processor.ProcessOrder(ctx, order)
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrInFlight):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	case retry.IsRetryable(err):
		l.WithError(err).Warn("Webhook order failed, sender will retry")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "temporarily unavailable"})
		return
	default:
		l.WithError(err).Error("Webhook order rejected")
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}

	status := "processed"
	if outcome.Duplicate {
		status = "duplicate"
	}
	l.WithField("invoice_id", outcome.ArtifactID).Info("Webhook order " + status)
	c.JSON(http.StatusOK, WebhookResponse{Status: status, InvoiceID: outcome.ArtifactID})
}
