// Package notify 将抓拍请求、识别结果和会话结果推送给采集站、看板和消息队列
package notify

import (
	"context"
	"time"

	"github.com/langchou/parkgate/internal/broker"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/pkg/ws"
	"go.uber.org/zap"
)

// WebSocket 消息类型
const (
	MsgTypeAutoCapture   = "auto_capture"
	MsgTypeCaptureResult = "capture_result"
	MsgTypeOutcome       = "outcome"
	MsgTypeGateCommand   = "gate_command"
)

const (
	publishTimeout = 2 * time.Second
	outcomeBuffer  = 256
)

// Broadcaster WebSocket 推送
type Broadcaster interface {
	Publish(topic ws.Topic, msgType string, data interface{})
}

// Publisher 消息队列发布
type Publisher interface {
	Publish(ctx context.Context, queue string, v interface{}) error
}

// OutcomeEvent 发布到消息队列的会话结果
type OutcomeEvent struct {
	Action      service.Action      `json:"action"`
	Outcome     service.Outcome     `json:"outcome"`
	GateCommand *models.GateCommand `json:"gateCommand,omitempty"`
}

// Fanout 推送实现，消息队列由 Run 在独立协程中发布，失败只记录日志
type Fanout struct {
	hub       Broadcaster
	publisher Publisher
	logger    *zap.Logger
	events    chan OutcomeEvent
}

// NewFanout 创建推送器，publisher 为 nil 时不发布到消息队列
func NewFanout(hub Broadcaster, publisher Publisher, logger *zap.Logger) *Fanout {
	return &Fanout{
		hub:       hub,
		publisher: publisher,
		logger:    logger,
		events:    make(chan OutcomeEvent, outcomeBuffer),
	}
}

// Run 持续发布排队的会话结果，ctx 取消后返回
func (f *Fanout) Run(ctx context.Context) error {
	if f.publisher == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-f.events:
			f.publish(ctx, event)
		}
	}
}

func (f *Fanout) publish(ctx context.Context, event OutcomeEvent) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := f.publisher.Publish(pubCtx, broker.OutcomeQueue, event); err != nil {
		meta := event.Outcome.Info()
		f.logger.Warn("Failed to publish outcome",
			zap.String("tag_id", meta.TagID),
			zap.String("session_id", meta.SessionID),
			zap.String("action", string(event.Action)),
			zap.Error(err),
		)
	}
}

// CaptureRequested 通知采集站拍照
func (f *Fanout) CaptureRequested(_ context.Context, req models.CaptureRequest) {
	f.hub.Publish(ws.Topic(req.Station), MsgTypeAutoCapture, req)
}

// CaptureResult 推送识别结果
func (f *Fanout) CaptureResult(_ context.Context, res models.CaptureResult) {
	f.hub.Publish(ws.Topic(res.Station), MsgTypeCaptureResult, res)
}

// Outcome 推送会话结果，有道闸指令时一并下发
func (f *Fanout) Outcome(_ context.Context, o service.Outcome, cmd *models.GateCommand) {
	meta := o.Info()
	topic := ws.Topic(meta.Station)

	f.hub.Publish(topic, MsgTypeOutcome, o)
	if cmd != nil {
		f.hub.Publish(topic, MsgTypeGateCommand, cmd)
	}

	if f.publisher == nil {
		return
	}

	// 在会话锁内调用，队列满时丢弃
	select {
	case f.events <- OutcomeEvent{Action: o.Action(), Outcome: o, GateCommand: cmd}:
	default:
		f.logger.Warn("Outcome queue full, event dropped",
			zap.String("tag_id", meta.TagID),
			zap.String("action", string(o.Action())),
		)
	}
}
