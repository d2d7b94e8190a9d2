package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListSessions 获取所有未关闭的会话
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.correlator.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"data":  sessions,
		"total": len(sessions),
	})
}

// GetSession 获取标签当前的会话
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.correlator.Session(c.Param("tagId"))
	if err != nil {
		h.respondError(c, "Failed to get session", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s})
}

// ExpireSubscriptions 将已过期的月票标记为 expired，可重复调用
// POST /api/maintenance/expire-subscriptions
func (h *Handler) ExpireSubscriptions(c *gin.Context) {
	n, err := h.expirer.Expire(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to expire subscriptions", err)
		return
	}

	h.logger.Info("Subscriptions expired via API", zap.Int64("count", n))
	c.JSON(http.StatusOK, gin.H{"expired": n})
}
