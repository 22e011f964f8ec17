package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
)

// maxWebhookBody bounds inbound payloads before signature computation.
const maxWebhookBody = 1 << 20

// HandleLemonSqueezyWebhook ingests one provider delivery. The raw body is
// read once and passed to the service untouched so the bytes that are
// signature-verified are the bytes that get parsed.
func (s *Server) HandleLemonSqueezyWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, webhookdomain.ErrInvalidPayload)
		return
	}

	signature := c.GetHeader("X-Signature")

	result, err := s.webhookSvc.ProcessEvent(c.Request.Context(), payload, signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"duplicate": result.Duplicate,
	})
}
