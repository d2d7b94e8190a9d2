package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/models"
)

type confirmRequest struct {
	SessionID     string               `json:"sessionId" binding:"required"`
	Method        models.PaymentMethod `json:"paymentMethod" binding:"required"`
	ConfirmedBy   string               `json:"confirmedBy"`
	TransactionID string               `json:"transactionId"`
}

// ConfirmPayment 工作人员确认收款
// POST /api/payments/confirm
// 重复确认返回相同的道闸指令
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment confirmation"})
		return
	}

	cmd, err := h.coordinator.ConfirmPayment(c.Request.Context(), models.PaymentConfirmation{
		SessionID:     req.SessionID,
		Method:        req.Method,
		ConfirmedBy:   req.ConfirmedBy,
		TransactionID: req.TransactionID,
	})
	if err != nil {
		h.respondError(c, "Failed to confirm payment", err)
		return
	}

	h.logger.Info("Payment confirmed via API",
		zap.String("session_id", req.SessionID),
		zap.String("method", string(req.Method)),
		zap.String("confirmed_by", req.ConfirmedBy),
	)
	c.JSON(http.StatusOK, gin.H{"data": cmd})
}

// GetPayment 获取会话的支付记录
// GET /api/payments/:sessionId
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.payments.GetBySession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, "Failed to get payment", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

// GetBalance 获取车主余额
// GET /api/accounts/:ownerId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ownerID := c.Param("ownerId")
	balance, err := h.payments.Balance(c.Request.Context(), ownerID)
	if err != nil {
		h.respondError(c, "Failed to get balance", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"owner_id": ownerID,
		"balance":  balance,
	}})
}
