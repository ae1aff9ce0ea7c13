package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/internal/amd"
)

// CallStatus receives Telco's asynchronous status callback, including
// AnsweredBy (the AMD outcome). A machine/fax classification is recorded in
// the AMD Registry, which arms its own finalize watchdog independently of
// whether a Session ever binds to this call id.
func (h *Handler) CallStatus(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form data"})
		return
	}

	callSid := c.Request.PostForm.Get("CallSid")
	answeredBy := c.Request.PostForm.Get("AnsweredBy")
	callStatus := c.Request.PostForm.Get("CallStatus")

	if callSid == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if answeredBy != "" {
		h.amdRegistry.Report(callSid, amd.Classification(answeredBy))
		h.logger.Info("amd classification received",
			zap.String("call_sid", callSid),
			zap.String("answered_by", answeredBy),
			zap.String("call_status", callStatus),
		)
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
