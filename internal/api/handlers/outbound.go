package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/internal/telco"
	pkgerrors "github.com/aviatra-labs/voicebridge/pkg/errors"
	"github.com/aviatra-labs/voicebridge/pkg/logger"
	"github.com/aviatra-labs/voicebridge/pkg/middleware"
	"github.com/aviatra-labs/voicebridge/pkg/utils"
)

type outboundCallRequest struct {
	Name             string            `json:"name" binding:"required"`
	Number           string            `json:"number" binding:"required"`
	AirtableRecordID string            `json:"airtableRecordId"`
	CustomParameters map[string]string `json:"customParameters"`
}

// OutboundCall places a new outbound call and points its answer URL at the
// TwiML emitter so Telco opens a WebSocket back to this server once answered.
func (h *Handler) OutboundCall(c *gin.Context) {
	var req outboundCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pkgerrors.BadRequest(c, "number and name are required")
		return
	}
	req.Name = middleware.SanitizeString(req.Name)
	req.Number = utils.NormalizePhone(middleware.SanitizeString(req.Number))

	twimlURL := h.buildTwimlURL("/outbound-call-twiml", req.Name, req.Number, req.AirtableRecordID, req.CustomParameters)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	resp, err := h.telcoClient.PlaceCall(ctx, telco.PlaceCallRequest{To: req.Number, TwimlURL: twimlURL})
	if err != nil {
		h.logger.Error("failed to place outbound call", zap.Error(err), logger.MaskPhoneIfPresent("to", req.Number))
		pkgerrors.ErrorResponse(c, http.StatusInternalServerError, "Telco Failure", "failed to place outbound call")
		return
	}

	if h.predictor != nil {
		h.predictor.RecordArrival(ctx, time.Now())
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"callSid":      resp.CallSid,
		"customerName": req.Name,
		"optimizations": gin.H{
			"urlCacheSize": h.urlCacheSize(),
			"amdPending":   h.amdRegistry.Size(),
		},
	})
}

type endCallRequest struct {
	CallSid string `json:"callSid" binding:"required"`
}

// EndCall finalizes a call. Idempotent: finalizing an already-completed call
// still reports success, matching the Telco provider's own idempotent
// completed-status semantics.
func (h *Handler) EndCall(c *gin.Context) {
	var req endCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pkgerrors.BadRequest(c, "callSid is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := h.telcoClient.FinalizeCall(ctx, req.CallSid); err != nil {
		h.logger.Warn("failed to finalize call", zap.Error(err), zap.String("call_sid", req.CallSid))
		pkgerrors.ErrorResponse(c, http.StatusInternalServerError, "Telco Failure", "failed to end call")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) urlCacheSize() int {
	if h.urlCache == nil {
		return 0
	}
	return len(h.urlCache.Snapshot())
}

// buildTwimlURL builds the public URL Telco fetches once a call is answered.
func (h *Handler) buildTwimlURL(path, name, number, airtableRecordID string, customParameters map[string]string) string {
	base := h.cfg.PublicURL
	if base == "" && h.cfg.RailwayPublicDomain != "" {
		base = "https://" + h.cfg.RailwayPublicDomain
	}

	q := url.Values{}
	q.Set("name", name)
	q.Set("number", number)
	if airtableRecordID != "" {
		q.Set("airtableRecordId", airtableRecordID)
	}
	if len(customParameters) > 0 {
		cp := url.Values{}
		for k, v := range customParameters {
			cp.Set(k, v)
		}
		q.Set("customParams", cp.Encode())
	}

	return fmt.Sprintf("%s%s?%s", base, path, q.Encode())
}
