package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aviatra-labs/voicebridge/pkg/auth"
	pkgerrors "github.com/aviatra-labs/voicebridge/pkg/errors"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login mints a JWT for the single operator credential configured via
// OPERATOR_USERNAME/OPERATOR_PASSWORD_HASH, gating the one internal
// read endpoint (/call-history/:call_id). Not a multi-user auth system —
// a real deployment sits this behind an IdP instead.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pkgerrors.BadRequest(c, "username and password are required")
		return
	}

	if h.cfg.OperatorUsername == "" || h.cfg.OperatorPassHash == "" {
		pkgerrors.ErrorResponse(c, http.StatusServiceUnavailable, "Auth Disabled", "operator credentials are not configured")
		return
	}

	if req.Username != h.cfg.OperatorUsername {
		pkgerrors.Unauthorized(c, "invalid credentials")
		return
	}
	if err := auth.VerifyPassword(h.cfg.OperatorPassHash, req.Password); err != nil {
		pkgerrors.Unauthorized(c, "invalid credentials")
		return
	}

	token, expiresAt, err := auth.GenerateAccessToken(req.Username, "", "operator", h.cfg.JWTSecret, "voicebridge", "voicebridge-operators", 60)
	if err != nil {
		pkgerrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_at":   expiresAt,
	})
}
