package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OptimizationStatus reports a snapshot of the URL Prewarm Cache, AMD
// Registry, and Call-Rate Predictor for operational visibility.
func (h *Handler) OptimizationStatus(c *gin.Context) {
	entries := h.urlCache.Snapshot()
	urls := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		urls = append(urls, gin.H{
			"acquiredAt": e.AcquiredAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"urlPrewarmCache": gin.H{
			"size":    len(entries),
			"entries": urls,
		},
		"amdRegistry": gin.H{
			"pending": h.amdRegistry.Size(),
		},
		"callRatePredictor": h.predictor.Stats(),
	})
}
