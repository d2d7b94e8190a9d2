package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/station"
)

// 采集站模拟器：从标准输入读取 RFID 标签，收到拍照请求后上报配置的车牌
func main() {
	cfg, err := station.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	var image string
	if cfg.ImageFile != "" {
		data, err := os.ReadFile(cfg.ImageFile)
		if err != nil {
			logger.Fatal("Failed to read image file", zap.Error(err))
		}
		image = strings.TrimSpace(string(data))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := station.NewClient(logger, cfg.ServerURL, cfg.Station)
	captures := make(chan models.CaptureRequest, 16)

	client.SetCallbacks(station.Callbacks{
		OnAutoCapture: func(req models.CaptureRequest) {
			select {
			case captures <- req:
			default:
				logger.Warn("Capture queue full, request dropped", zap.String("tag_id", req.TagID))
			}
		},
		OnGateCommand: func(cmd models.GateCommand) {
			logger.Info("Gate command",
				zap.String("tag_id", cmd.TagID),
				zap.String("action", string(cmd.Action)),
				zap.String("reason", cmd.Reason))
		},
		OnOutcome: func(action string, raw []byte) {
			logger.Info("Outcome received", zap.String("action", action), zap.ByteString("payload", raw))
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Stream(gctx)
	})

	// 处理拍照请求
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case req := <-captures:
				capture(gctx, client, cfg, image, req.TagID, logger)
			}
		}
	})

	// 标准输入每行一个标签
	g.Go(func() error {
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- strings.TrimSpace(scanner.Text())
			}
		}()

		for {
			select {
			case <-gctx.Done():
				return nil
			case tag, ok := <-lines:
				if !ok {
					return nil
				}
				if tag == "" {
					continue
				}
				res, err := client.Scan(gctx, tag)
				if err != nil {
					logger.Warn("Scan rejected", zap.String("tag_id", tag), zap.Error(err))
					continue
				}
				logger.Info("Scan accepted", zap.String("tag_id", tag), zap.ByteString("result", res))
			}
		}
	})

	logger.Info("Station simulator started",
		zap.String("server", cfg.ServerURL),
		zap.Stringer("station", cfg.Station))

	if err := g.Wait(); err != nil {
		logger.Error("Station simulator stopped with error", zap.Error(err))
	}
}

// capture 上报抓拍并轮询道闸指令
func capture(ctx context.Context, client *station.Client, cfg *station.Config, image, tagID string, logger *zap.Logger) {
	plate := cfg.Plates[tagID]
	if plate == "" && image == "" {
		logger.Warn("No plate configured for tag", zap.String("tag_id", tagID))
		plate = "unrecognized"
	}

	res, err := client.Capture(ctx, tagID, plate, image)
	if err != nil {
		logger.Warn("Capture rejected", zap.String("tag_id", tagID), zap.Error(err))
		return
	}
	logger.Info("Capture accepted", zap.String("tag_id", tagID), zap.ByteString("outcome", res))

	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd, err := client.PollGateCommand(pollCtx, tagID)
	if err != nil {
		logger.Warn("Failed to poll gate command", zap.String("tag_id", tagID), zap.Error(err))
		return
	}
	if cmd != nil {
		logger.Info("Gate command polled",
			zap.String("tag_id", tagID),
			zap.String("action", string(cmd.Action)))
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
