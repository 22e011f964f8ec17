package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	inferencedomain "github.com/smallbiznis/billingsync/internal/inference/domain"
)

type createCompletionRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt" binding:"required"`
}

type createCompletionResponse struct {
	CallID string  `json:"call_id"`
	Output string  `json:"output"`
	Cost   float64 `json:"cost"`
}

// HandleCreateCompletion runs one billable inference call for an account.
func (s *Server) HandleCreateCompletion(c *gin.Context) {
	var req createCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
			Type:    "invalid_request",
			Message: "account_id and prompt are required",
		}})
		return
	}

	rawID, err := strconv.ParseInt(strings.TrimSpace(req.AccountID), 10, 64)
	if err != nil {
		AbortWithError(c, inferencedomain.ErrAccountNotFound)
		return
	}

	execution, err := s.inferenceSvc.Execute(c.Request.Context(), snowflake.ID(rawID), req.Model, req.Prompt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, createCompletionResponse{
		CallID: execution.CallID.String(),
		Output: execution.Output,
		Cost:   execution.Cost,
	})
}
