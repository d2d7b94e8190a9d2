package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/parkgate/internal/api/handlers"
	"github.com/langchou/parkgate/internal/broker"
	"github.com/langchou/parkgate/internal/cache"
	"github.com/langchou/parkgate/internal/config"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/notify"
	"github.com/langchou/parkgate/internal/ocr"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/internal/state"
	"github.com/langchou/parkgate/internal/subscription"
	"github.com/langchou/parkgate/pkg/ws"
)

// stateChange 推送给看板的状态变化
type stateChange struct {
	TagID string `json:"tagId"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// dashboardInit 看板连接时的初始数据
type dashboardInit struct {
	Sessions []*models.ParkingSession `json:"sessions"`
	States   map[string]string        `json:"states"`
}

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Parkgate", zap.String("port", cfg.ServerPort), zap.String("timezone", cfg.Timezone))

	// 收到退出信号时取消
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	sessionRepo := repository.NewSessionRepository(db)
	registryRepo := repository.NewRegistryRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	// 去抖和道闸指令队列，Redis 不可用时使用进程内实现
	var cooldown service.Cooldown
	var mailbox service.GateMailbox
	if rdb := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); rdb != nil {
		defer rdb.Close()
		cooldown = cache.NewRedisCooldown(rdb, cfg.CaptureCooldown)
		mailbox = cache.NewRedisMailbox(rdb, cfg.GateCommandTTL)
		logger.Info("Using Redis for cooldown and gate commands", zap.String("addr", cfg.RedisAddr))
	} else {
		if cfg.RedisAddr != "" {
			logger.Warn("Redis unavailable, falling back to in-process cache", zap.String("addr", cfg.RedisAddr))
		}
		cooldown = cache.NewLocalCooldown(cfg.CaptureCooldown)
		mailbox = cache.NewLocalMailbox(cfg.GateCommandTTL)
	}

	// 消息队列发布
	var publisher notify.Publisher
	if cfg.RabbitMQURL != "" {
		p := broker.NewPublisher(cfg.RabbitMQURL, logger)
		defer p.Close()
		publisher = p
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	notifier := notify.NewFanout(wsHub, publisher, logger)

	// 状态机管理器
	machines := state.NewManager(func(tagID, from, to string) {
		logger.Debug("Session state changed",
			zap.String("tag_id", tagID),
			zap.String("from", from),
			zap.String("to", to))
		wsHub.Publish(ws.TopicAll, "state_update", stateChange{TagID: tagID, From: from, To: to})
	})

	// 月票校验
	validator := subscription.NewValidator(registryRepo, logger,
		subscription.WithThreshold(cfg.MatchThreshold),
		subscription.WithUsageCounter(sessionRepo),
		subscription.WithExpireOnCheck(cfg.ExpireOnCheck),
	)

	// OCR
	var recognizer service.Recognizer
	if cfg.OCRURL != "" {
		recognizer = ocr.NewClient(cfg.OCRURL, cfg.OCRTimeout)
	}

	// 会话服务
	coordinator := service.NewCoordinator(machines, sessionRepo, mailbox, notifier, logger)
	correlator := service.NewCorrelator(service.CorrelatorConfig{
		CaptureTimeout:       cfg.CaptureTimeout,
		OCRTimeout:           cfg.OCRTimeout,
		ConsistencyThreshold: cfg.ConsistencyThreshold,
		Location:             cfg.Location,
	}, machines, sessionRepo, validator, recognizer, cooldown, coordinator, notifier, logger)

	// 恢复未关闭的会话
	if _, err := correlator.Restore(ctx); err != nil {
		logger.Fatal("Failed to restore sessions", zap.Error(err))
	}

	wsHub.SetInitDataProvider(func(topic ws.Topic) interface{} {
		if topic != ws.TopicAll {
			return nil
		}
		return dashboardInit{Sessions: correlator.Sessions(), States: machines.GetAllStates()}
	})

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, correlator, coordinator, paymentRepo, validator, db, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsHub.Run(gctx)
	})

	g.Go(func() error {
		return notifier.Run(gctx)
	})

	g.Go(func() error {
		runSweeper(gctx, validator, cfg.SubscriptionSweepInterval, logger)
		return nil
	})

	if cfg.RabbitMQURL != "" {
		consumer := broker.NewPaymentConsumer(cfg.RabbitMQURL, func(ctx context.Context, req models.PaymentConfirmation) error {
			_, err := coordinator.ConfirmPayment(ctx, req)
			return err
		}, logger)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	// 启动 HTTP 服务器
	g.Go(func() error {
		logger.Info("Server started", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// 等待退出信号后优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}

	logger.Info("Server exited")
}

// runSweeper 定期将过期月票标记为 expired
func runSweeper(ctx context.Context, validator *subscription.Validator, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := validator.Expire(ctx)
			if err != nil {
				logger.Warn("Subscription sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Subscriptions expired", zap.Int64("count", n))
			}
		}
	}
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
