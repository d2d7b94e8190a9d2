package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/models"
)

type scanRequest struct {
	TagID   string         `json:"tagId" binding:"required"`
	Station models.Station `json:"stationIndex" binding:"required"`
}

type captureRequest struct {
	TagID     string         `json:"tagId" binding:"required"`
	Station   models.Station `json:"stationIndex" binding:"required"`
	PlateText *string        `json:"plateText"`
	Image     string         `json:"image"`
}

// Scan 采集站上报刷卡
// POST /api/stations/scan
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scan request"})
		return
	}

	res, err := h.correlator.HandleScan(c.Request.Context(), models.ScanEvent{
		TagID:   req.TagID,
		Station: req.Station,
	})
	if err != nil {
		h.respondError(c, "Failed to handle scan", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

// Capture 采集站上报抓拍
// POST /api/stations/capture
// 返回会话结果，识别失败等业务结果也以 200 返回
func (h *Handler) Capture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid capture request"})
		return
	}
	if req.PlateText == nil && req.Image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plateText or image is required"})
		return
	}

	outcome, err := h.correlator.HandleCapture(c.Request.Context(), models.CaptureEvent{
		TagID:     req.TagID,
		Station:   req.Station,
		PlateText: req.PlateText,
		Image:     req.Image,
	})
	if err != nil {
		h.respondError(c, "Failed to handle capture", err)
		return
	}

	h.logger.Info("Capture handled",
		zap.String("tag_id", req.TagID),
		zap.Stringer("station", req.Station),
		zap.String("action", string(outcome.Action())),
	)
	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

// GetGateCommand 采集站轮询道闸指令
// GET /api/stations/gate-commands/:tagId
func (h *Handler) GetGateCommand(c *gin.Context) {
	cmd, err := h.coordinator.TakeGateCommand(c.Request.Context(), c.Param("tagId"))
	if err != nil {
		h.respondError(c, "Failed to get gate command", err)
		return
	}
	if cmd == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cmd})
}
