package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/state"
	"go.uber.org/zap"
)

// 会话关闭原因
const (
	CloseExitCleared      = "exit_cleared"
	ClosePaymentConfirmed = "payment_confirmed"
	CloseCaptureTimeout   = "capture_timeout"
)

// 展示给看板的原因
const (
	ReasonEntryAllowed       = "entry allowed"
	ReasonSubscriptionValid  = "subscription valid"
	ReasonPaymentConfirmed   = "payment confirmed"
	ReasonPaymentRequired    = "payment required"
	ReasonCaptureTimeout     = "no capture received before timeout"
	ReasonNoMatchingSession  = "no open session for this tag"
	ReasonUnknownCloseReason = "session already closed"
)

// Coordinator 将处理结果转换成道闸指令，并处理人工收费
type Coordinator struct {
	machines *state.Manager
	store    SessionStore
	mailbox  GateMailbox
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewCoordinator 创建协调器，mailbox 可以为 nil
func NewCoordinator(machines *state.Manager, store SessionStore, mailbox GateMailbox, notifier Notifier, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		machines: machines,
		store:    store,
		mailbox:  mailbox,
		notifier: notifier,
		now:      clock,
		logger:   logger,
	}
}

// Decide 结果到道闸指令的映射
func (c *Coordinator) Decide(o Outcome) models.GateCommand {
	meta := o.Info()
	cmd := models.GateCommand{
		Action:    models.GateHold,
		Reason:    meta.Reason,
		Station:   meta.Station,
		TagID:     meta.TagID,
		SessionID: meta.SessionID,
		IssuedAt:  meta.At,
	}

	switch o.(type) {
	case EntryOK, ExitOK:
		cmd.Action = models.GateOpen
	case ExitPaymentRequired, ExitSecurityAlert, Failure:
		cmd.Action = models.GateHold
	default:
		c.logger.Error("Unknown outcome type, holding gate", zap.String("action", string(o.Action())))
	}
	return cmd
}

// Dispatch 生成道闸指令，放入待取队列并推送
func (c *Coordinator) Dispatch(ctx context.Context, o Outcome) models.GateCommand {
	cmd := c.Decide(o)
	if c.mailbox != nil {
		if err := c.mailbox.Put(ctx, cmd); err != nil {
			c.logger.Warn("Failed to store gate command",
				zap.String("tag_id", cmd.TagID),
				zap.Error(err),
			)
		}
	}
	c.notifier.Outcome(ctx, o, &cmd)

	c.logger.Info("Outcome dispatched",
		zap.String("tag_id", cmd.TagID),
		zap.String("action", string(o.Action())),
		zap.String("gate", string(cmd.Action)),
		zap.String("reason", cmd.Reason),
	)
	return cmd
}

// Announce 只推送结果，不产生道闸动作
func (c *Coordinator) Announce(ctx context.Context, o Outcome) {
	c.notifier.Outcome(ctx, o, nil)
	c.logger.Info("Outcome announced",
		zap.String("tag_id", o.Info().TagID),
		zap.String("action", string(o.Action())),
		zap.String("reason", o.Info().Reason),
	)
}

// TakeGateCommand 采集站轮询道闸指令，取出后删除
func (c *Coordinator) TakeGateCommand(ctx context.Context, tagID string) (*models.GateCommand, error) {
	if c.mailbox == nil {
		return nil, nil
	}
	cmd, err := c.mailbox.Take(ctx, tagID)
	if err != nil {
		return nil, fmt.Errorf("take gate command: %w", err)
	}
	return cmd, nil
}

// ConfirmPayment 工作人员确认收款
// 已关闭的会话直接返回之前的指令，不会重复扣款或重复开闸
func (c *Coordinator) ConfirmPayment(ctx context.Context, req models.PaymentConfirmation) (models.GateCommand, error) {
	if req.SessionID == "" {
		return models.GateCommand{}, fmt.Errorf("%w: session id required", ErrInvalidEvent)
	}
	if !req.Method.Valid() {
		return models.GateCommand{}, fmt.Errorf("%w: unsupported payment method %q", ErrPaymentRejected, req.Method)
	}

	stored, err := c.store.GetByID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.GateCommand{}, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
		}
		return models.GateCommand{}, fmt.Errorf("get session: %w", err)
	}

	machine := c.machines.GetOrCreate(stored.TagID)
	machine.Lock()
	defer machine.Unlock()

	s := machine.Session()
	if s == nil || s.ID != stored.ID {
		// 状态机里是别的会话，以数据库为准
		if s, err = c.store.GetByID(ctx, req.SessionID); err != nil {
			return models.GateCommand{}, fmt.Errorf("get session: %w", err)
		}
		if s.Status == models.StatusAwaitingPayment {
			return models.GateCommand{}, fmt.Errorf("%w: session %s is not tracked for tag %s", ErrInvalidState, s.ID, s.TagID)
		}
	}

	switch s.Status {
	case models.StatusClosed:
		c.logger.Info("Payment already settled, returning previous command",
			zap.String("session_id", s.ID),
			zap.String("tag_id", s.TagID),
		)
		return c.Decide(closedOutcome(s)), nil
	case models.StatusAwaitingPayment:
	default:
		return models.GateCommand{}, fmt.Errorf("%w: session %s is %s", ErrInvalidState, s.ID, s.Status)
	}

	if req.Method == models.MethodBalance && s.OwnerID == nil {
		return models.GateCommand{}, fmt.Errorf("%w: no owner account for balance payment", ErrPaymentRejected)
	}

	now := c.now()
	method := string(req.Method)
	next := s.Clone()
	next.Status = models.StatusClosed
	next.PaymentStatus = models.PaymentPaid
	next.PaymentMethod = &method
	next.CloseReason = ClosePaymentConfirmed
	next.UpdatedAt = now

	payment := &models.Payment{
		ID:            uuid.NewString(),
		SessionID:     s.ID,
		Amount:        s.Fee,
		Method:        req.Method,
		Status:        "completed",
		ConfirmedBy:   req.ConfirmedBy,
		TransactionID: req.TransactionID,
		CreatedAt:     now,
	}

	if err := c.store.Settle(ctx, next, payment); err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientBalance):
			return models.GateCommand{}, ErrInsufficientBalance
		case errors.Is(err, repository.ErrNotFound):
			return models.GateCommand{}, fmt.Errorf("%w: owner account not found", ErrPaymentRejected)
		}
		return models.GateCommand{}, fmt.Errorf("settle payment: %w", err)
	}

	if err := machine.Commit(ctx, state.EventPaymentConfirmed, next); err != nil {
		return models.GateCommand{}, err
	}

	c.logger.Info("Payment confirmed",
		zap.String("session_id", next.ID),
		zap.String("tag_id", next.TagID),
		zap.Int64("amount", payment.Amount),
		zap.String("method", method),
		zap.String("confirmed_by", req.ConfirmedBy),
	)

	return c.Dispatch(ctx, closedOutcome(next)), nil
}

// closedOutcome 由已关闭的会话还原出场结果，同一会话总是得到相同的结果
func closedOutcome(s *models.ParkingSession) Outcome {
	meta := Meta{
		TagID:     s.TagID,
		Station:   models.StationExit,
		SessionID: s.ID,
		At:        s.UpdatedAt,
	}

	switch s.CloseReason {
	case ClosePaymentConfirmed, CloseExitCleared:
		meta.Reason = ReasonPaymentConfirmed
		if s.CloseReason == CloseExitCleared {
			meta.Reason = ReasonSubscriptionValid
		}
		return ExitOK{
			Meta:             meta,
			ExitPlate:        plateOrUnrecognized(s.ExitPlate),
			EntryPlate:       plateOrUnrecognized(s.EntryPlate),
			Fee:              s.Fee,
			FeeCategory:      s.FeeCategory,
			SubscriptionUsed: s.PaymentType == models.PaymentSubscription,
			DurationDisplay:  s.DurationDisplay,
			PaymentMethod:    models.PlateOrEmpty(s.PaymentMethod),
		}
	case CloseCaptureTimeout:
		if s.ExitTime == nil {
			meta.Station = models.StationEntrance
		}
		meta.Reason = ReasonCaptureTimeout
		return Failure{Meta: meta, Code: CodeCaptureTimeout, Err: ErrCaptureTimeout}
	default:
		meta.Reason = ReasonUnknownCloseReason
		return Failure{Meta: meta, Code: "Closed", Err: ErrInvalidState}
	}
}

// clock 截断到微秒，与数据库精度一致
func clock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
