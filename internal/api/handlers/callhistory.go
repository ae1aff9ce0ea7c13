package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	pkgerrors "github.com/aviatra-labs/voicebridge/pkg/errors"
)

// GetCallHistory returns the persisted Call History Record for a call id.
// This is the one internal-operator-facing read endpoint, gated by JWT.
func (h *Handler) GetCallHistory(c *gin.Context) {
	callID := c.Param("call_id")
	if callID == "" {
		pkgerrors.BadRequest(c, "call_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	doc, ok := h.history.Get(ctx, callID)
	if !ok {
		pkgerrors.NotFound(c, "call history record not found")
		return
	}

	c.JSON(http.StatusOK, doc)
}
