package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/invoice"
	"github.com/timmy/shopsync/internal/jobs"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/retry"
	"github.com/timmy/shopsync/internal/service"
	"github.com/timmy/shopsync/internal/source"
	"github.com/timmy/shopsync/internal/storage"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// log returns the request-scoped logger, falling back to fallback.
func log(c *gin.Context, fallback *logger.Logger) *logger.Logger {
	if l := logger.FromContext(c.Request.Context()); l != nil {
		return l
	}
	return fallback
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, source.ErrOrderNotFound), errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrAlreadyRunning), errors.Is(err, jobs.ErrIllegalTransition),
		errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict
	case retry.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are
// logged and hidden from the caller.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).WithError(err).Error("Request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
