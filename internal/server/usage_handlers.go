package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha-labs/kotonoha/backend/internal/quota"
)

type reportUsagePayload struct {
	MinutesToday int64 `json:"minutes_today"`
}

// handleUsage dispatches /usage/:kind between the usage report and the
// metered-call pre-gate. One route because gin rejects a static sibling next
// to the :kind parameter.
func (h *httpHandler) handleUsage(c *gin.Context) {
	if c.Param("kind") == "report" {
		h.handleReportUsage(c)
		return
	}
	h.handleConsumeUsage(c)
}

// handleReportUsage records today's study minutes and returns the recomputed
// proofread budget.
func (h *httpHandler) handleReportUsage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request reportUsagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	budget, err := h.quota.ReportUsage(c.Request.Context(), userID, request.MinutesToday, h.limits.ProofreadMaxTokens)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "proofread_tokens_today": budget})
}

// handleConsumeUsage pre-gates one metered provider call against the user's
// daily ceiling. The provider call itself happens elsewhere; a rejection here
// is final for the day.
func (h *httpHandler) handleConsumeUsage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	kind, err := quota.ParseUsageKind(c.Param("kind"))
	if err != nil {
		h.respondFault(c, err)
		return
	}

	ceiling := h.dailyCeiling(kind)
	accepted, err := h.quota.ConsumeDailyQuota(c.Request.Context(), userID, kind, ceiling)
	if err != nil {
		h.respondFault(c, err)
		return
	}
	if !accepted {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "quota_exhausted",
			"message": fmt.Sprintf("daily %s limit reached (%d/day)", kind, ceiling),
		})
		return
	}

	h.maybeSweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) dailyCeiling(kind quota.UsageKind) int64 {
	switch kind {
	case quota.UsageKindCloudOcr:
		return h.limits.CloudOcrDailyLimit
	case quota.UsageKindAiMeaning:
		return h.limits.AiMeaningDailyLimit
	default:
		return 0
	}
}
