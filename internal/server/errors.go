package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	inferencedomain "github.com/smallbiznis/billingsync/internal/inference/domain"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware converts domain errors attached to the context
// into one JSON error response after the handler chain runs.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, webhookdomain.ErrMissingSignature),
		errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "invalid_signature",
			Message: "missing or invalid webhook signature",
		}
	case errors.Is(err, webhookdomain.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_payload",
			Message: "malformed webhook payload",
		}
	case errors.Is(err, inferencedomain.ErrBudgetExhausted):
		// Distinct signal so clients can tell "retry later" from "your
		// request was invalid".
		return http.StatusTooManyRequests, errorPayload{
			Type:    "service_overloaded",
			Message: "service temporarily overloaded, try again later",
		}
	case errors.Is(err, inferencedomain.ErrAccountNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "account not found",
		}
	case errors.Is(err, inferencedomain.ErrCompletionFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_error",
			Message: "inference backend failed",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
