package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/pkg/ws"
)

// Correlator 刷卡与抓拍处理
type Correlator interface {
	HandleScan(ctx context.Context, ev models.ScanEvent) (*service.ScanResult, error)
	HandleCapture(ctx context.Context, ev models.CaptureEvent) (service.Outcome, error)
	Session(tagID string) (*models.ParkingSession, error)
	Sessions() []*models.ParkingSession
}

// Coordinator 道闸指令与收款确认
type Coordinator interface {
	ConfirmPayment(ctx context.Context, req models.PaymentConfirmation) (models.GateCommand, error)
	TakeGateCommand(ctx context.Context, tagID string) (*models.GateCommand, error)
}

// Payments 支付记录与余额查询
type Payments interface {
	GetBySession(ctx context.Context, sessionID string) (*models.Payment, error)
	Balance(ctx context.Context, ownerID string) (int64, error)
}

// Expirer 月票过期清理
type Expirer interface {
	Expire(ctx context.Context) (int64, error)
}

// Pinger 数据库健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler HTTP 处理器
type Handler struct {
	logger      *zap.Logger
	correlator  Correlator
	coordinator Coordinator
	payments    Payments
	expirer     Expirer
	db          Pinger
	wsHub       *ws.Hub
	upgrader    websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	correlator Correlator,
	coordinator Coordinator,
	payments Payments,
	expirer Expirer,
	db Pinger,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:      logger,
		correlator:  correlator,
		coordinator: coordinator,
		payments:    payments,
		expirer:     expirer,
		db:          db,
		wsHub:       wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 采集站和看板不在同一来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 采集站
		api.POST("/stations/scan", h.Scan)
		api.POST("/stations/capture", h.Capture)
		api.GET("/stations/gate-commands/:tagId", h.GetGateCommand)

		// 收费
		api.POST("/payments/confirm", h.ConfirmPayment)
		api.GET("/payments/:sessionId", h.GetPayment)
		api.GET("/accounts/:ownerId/balance", h.GetBalance)

		// 会话
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:tagId", h.GetSession)

		// 维护
		api.POST("/maintenance/expire-subscriptions", h.ExpireSubscriptions)
	}

	// WebSocket
	r.GET("/ws/stations/:index", h.HandleStationWebSocket)
	r.GET("/ws/dashboard", h.HandleDashboardWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleStationWebSocket 采集站订阅自己的主题
func (h *Handler) HandleStationWebSocket(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || !models.Station(index).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid station index"})
		return
	}
	h.serveWebSocket(c, ws.Topic(index))
}

// HandleDashboardWebSocket 看板订阅所有主题
func (h *Handler) HandleDashboardWebSocket(c *gin.Context) {
	h.serveWebSocket(c, ws.TopicAll)
}

func (h *Handler) serveWebSocket(c *gin.Context, topic ws.Topic) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn, topic)
	if err := client.Register(); err != nil {
		conn.Close()
		return
	}

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("Database ping failed", zap.Error(err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":          status,
		"ws_clients":      h.wsHub.ClientCount(),
		"active_sessions": len(h.correlator.Sessions()),
	})
}

// statusFor 业务错误对应的 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, service.ErrDuplicateEvent),
		errors.Is(err, service.ErrNoMatchingSession):
		return http.StatusConflict
	case errors.Is(err, service.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrInvalidEvent),
		errors.Is(err, service.ErrPaymentRejected),
		errors.Is(err, service.ErrInvalidInterval):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写入错误响应，服务端错误不暴露细节
func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
		c.JSON(code, gin.H{"error": msg})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
