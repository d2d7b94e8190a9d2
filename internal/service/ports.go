package service

import (
	"context"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/plate"
	"github.com/langchou/parkgate/internal/subscription"
)

// SessionStore 会话持久化，数据库是会话状态的唯一来源
type SessionStore interface {
	Create(ctx context.Context, s *models.ParkingSession) error
	Update(ctx context.Context, s *models.ParkingSession) error
	GetByID(ctx context.Context, id string) (*models.ParkingSession, error)
	ListActive(ctx context.Context) ([]*models.ParkingSession, error)
	// Settle 在一个事务内扣款、写支付记录并关闭会话
	Settle(ctx context.Context, s *models.ParkingSession, p *models.Payment) error
}

// SubscriptionChecker 车辆识别与月票校验
type SubscriptionChecker interface {
	Identify(ctx context.Context, recognized string) (*models.RegisteredVehicle, plate.Match, bool)
	Check(ctx context.Context, ownerID, recognized string) subscription.Result
	CheckEntry(ctx context.Context, ownerID, recognized string) subscription.Result
}

// Recognizer OCR 识别服务
type Recognizer interface {
	Recognize(ctx context.Context, image string) (string, error)
}

// Cooldown 同一标签同一采集站的去抖窗口
type Cooldown interface {
	// Allow 窗口内第一次调用返回 true
	Allow(ctx context.Context, tagID string, station models.Station) (bool, error)
}

// GateMailbox 等待采集站轮询的道闸指令
type GateMailbox interface {
	Put(ctx context.Context, cmd models.GateCommand) error
	// Take 取出并删除指令，没有时返回 nil, nil
	Take(ctx context.Context, tagID string) (*models.GateCommand, error)
}

// Notifier 推送给采集站和看板，失败只记录日志
type Notifier interface {
	CaptureRequested(ctx context.Context, req models.CaptureRequest)
	CaptureResult(ctx context.Context, res models.CaptureResult)
	Outcome(ctx context.Context, o Outcome, cmd *models.GateCommand)
}
