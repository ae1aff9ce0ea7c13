package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/internal/bridge"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// OutboundMediaStream upgrades the Telco WebSocket for an outbound call
// (placed via /outbound-call) and runs the Session Bridge against it.
func (h *Handler) OutboundMediaStream(c *gin.Context) {
	h.runMediaStream(c, bridge.DirectionOutbound)
}

// MediaStream upgrades the Telco WebSocket for an inbound call routed to the
// receptionist agent and runs the Session Bridge against it.
func (h *Handler) MediaStream(c *gin.Context) {
	h.runMediaStream(c, bridge.DirectionInboundReceptionist)
}

func (h *Handler) runMediaStream(c *gin.Context, direction bridge.Direction) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("telco websocket upgrade failed", zap.Error(err))
		return
	}

	session := bridge.NewSession(conn, direction, bridge.Deps{
		AgentDial:         h.dialAgent,
		Finalizer:         h.telcoClient,
		AMD:               h.amdRegistry,
		Tools:             h.toolProxy,
		History:           h.history,
		AgentConnectTO:    time.Duration(h.cfg.AgentConnectTimeoutSec) * time.Second,
		TelcoStartTO:      time.Duration(h.cfg.TelcoStartTimeoutSec) * time.Second,
		VoicemailTO:       time.Duration(h.cfg.VoicemailWatchdogSec) * time.Second,
		InboundBufferCap:  h.cfg.InboundBufferCap,
		OutboundBufferCap: h.cfg.OutboundBufferCap,
		TraceID:           c.GetString("trace_id"),
		Logger:            h.logger,
	})

	session.Run(c.Request.Context())
}

// dialAgent draws a prewarmed signed URL from the URL Prewarm Cache and
// dials a fresh Agent WebSocket, satisfying bridge.Deps.AgentDial.
func (h *Handler) dialAgent(ctx context.Context) (bridge.AgentConn, error) {
	url, err := h.urlCache.GetURL(ctx)
	if err != nil {
		return nil, err
	}
	return h.agentFactory.Dial(ctx, url)
}
