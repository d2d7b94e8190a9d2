package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/langchou/parkgate/internal/fee"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/plate"
	"github.com/langchou/parkgate/internal/state"
	"go.uber.org/zap"
)

// CorrelatorConfig 会话关联参数
type CorrelatorConfig struct {
	CaptureTimeout       time.Duration
	OCRTimeout           time.Duration
	ConsistencyThreshold float64
	Location             *time.Location
}

// DefaultCorrelatorConfig 默认参数
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		CaptureTimeout:       30 * time.Second,
		OCRTimeout:           10 * time.Second,
		ConsistencyThreshold: 0.6,
		Location:             time.UTC,
	}
}

// ScanStatus 刷卡处理结果
type ScanStatus string

const (
	ScanCaptureRequested ScanStatus = "capture_requested"
	ScanNoSession        ScanStatus = "no_session"
)

// ScanResult 刷卡结果
type ScanResult struct {
	Status  ScanStatus             `json:"status"`
	Session *models.ParkingSession `json:"session,omitempty"`
	Outcome Outcome                `json:"outcome,omitempty"`
}

// Correlator 按 RFID 标签关联刷卡与抓拍事件，驱动会话状态机
type Correlator struct {
	cfg         CorrelatorConfig
	machines    *state.Manager
	store       SessionStore
	checker     SubscriptionChecker
	recognizer  Recognizer
	cooldown    Cooldown
	coordinator *Coordinator
	notifier    Notifier
	now         func() time.Time
	logger      *zap.Logger
}

// NewCorrelator 创建关联器，recognizer 和 cooldown 可以为 nil
func NewCorrelator(
	cfg CorrelatorConfig,
	machines *state.Manager,
	store SessionStore,
	checker SubscriptionChecker,
	recognizer Recognizer,
	cooldown Cooldown,
	coordinator *Coordinator,
	notifier Notifier,
	logger *zap.Logger,
) *Correlator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Correlator{
		cfg:         cfg,
		machines:    machines,
		store:       store,
		checker:     checker,
		recognizer:  recognizer,
		cooldown:    cooldown,
		coordinator: coordinator,
		notifier:    notifier,
		now:         clock,
		logger:      logger,
	}
}

// Restore 从数据库恢复未关闭的会话，等待抓拍的会话按剩余时间重新计时
func (c *Correlator) Restore(ctx context.Context) (int, error) {
	sessions, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	restored := c.machines.Restore(sessions)
	now := c.now()
	for _, machine := range restored {
		machine.Lock()
		if s := machine.Session(); s != nil {
			if since := captureStartedAt(s); since != nil {
				remaining := since.Add(c.cfg.CaptureTimeout).Sub(now)
				c.armCaptureTimer(machine, s.ID, remaining)
			}
		}
		machine.Unlock()
	}

	c.logger.Info("Sessions restored", zap.Int("count", len(restored)))
	return len(restored), nil
}

// HandleScan 处理 RFID 刷卡
func (c *Correlator) HandleScan(ctx context.Context, ev models.ScanEvent) (*ScanResult, error) {
	if ev.TagID == "" || !ev.Station.Valid() {
		return nil, fmt.Errorf("%w: tag %q station %d", ErrInvalidEvent, ev.TagID, ev.Station)
	}

	if c.cooldown != nil {
		ok, err := c.cooldown.Allow(ctx, ev.TagID, ev.Station)
		if err != nil {
			c.logger.Warn("Cooldown check failed, accepting scan", zap.String("tag_id", ev.TagID), zap.Error(err))
		} else if !ok {
			return nil, fmt.Errorf("%w: scan for %s at %s inside cooldown", ErrDuplicateEvent, ev.TagID, ev.Station)
		}
	}

	machine := c.machines.GetOrCreate(ev.TagID)
	machine.Lock()
	defer machine.Unlock()

	if ev.Station == models.StationEntrance {
		return c.entryScan(ctx, machine, ev)
	}
	return c.exitScan(ctx, machine, ev)
}

func (c *Correlator) entryScan(ctx context.Context, machine *state.Machine, ev models.ScanEvent) (*ScanResult, error) {
	if !machine.Can(state.EventEntryScan) {
		return nil, fmt.Errorf("%w: tag %s is %s", ErrInvalidState, ev.TagID, machine.Current())
	}

	now := c.now()
	scannedAt := c.eventTime(ev.ScannedAt)
	s := &models.ParkingSession{
		ID:            uuid.NewString(),
		TagID:         ev.TagID,
		Status:        models.StatusAwaitingEntryCapture,
		EntryTime:     &scannedAt,
		PaymentType:   models.PaymentHourly,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := c.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := machine.Commit(ctx, state.EventEntryScan, s); err != nil {
		return nil, err
	}
	c.armCaptureTimer(machine, s.ID, c.cfg.CaptureTimeout)
	c.requestCapture(ctx, ev)

	return &ScanResult{Status: ScanCaptureRequested, Session: s}, nil
}

func (c *Correlator) exitScan(ctx context.Context, machine *state.Machine, ev models.ScanEvent) (*ScanResult, error) {
	current := machine.Current()
	switch current {
	case string(models.StatusOpen):
	case state.StateAbsent, string(models.StatusClosed):
		// 出口刷卡但没有在场会话
		o := Failure{
			Meta: Meta{
				TagID:   ev.TagID,
				Station: ev.Station,
				Reason:  ReasonNoMatchingSession,
				At:      c.now(),
			},
			Code: CodeNoMatchingSession,
			Err:  ErrNoMatchingSession,
		}
		c.logger.Warn("Exit scan without open session", zap.String("tag_id", ev.TagID))
		c.coordinator.Announce(ctx, o)
		return &ScanResult{Status: ScanNoSession, Outcome: o}, nil
	default:
		return nil, fmt.Errorf("%w: tag %s is %s", ErrInvalidState, ev.TagID, current)
	}

	scannedAt := c.eventTime(ev.ScannedAt)
	next := machine.Session()
	next.Status = models.StatusAwaitingExitCapture
	next.ExitTime = &scannedAt
	next.UpdatedAt = c.now()

	if err := c.store.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := machine.Commit(ctx, state.EventExitScan, next); err != nil {
		return nil, err
	}
	c.armCaptureTimer(machine, next.ID, c.cfg.CaptureTimeout)
	c.requestCapture(ctx, ev)

	return &ScanResult{Status: ScanCaptureRequested, Session: next}, nil
}

// HandleCapture 处理采集站回传的抓拍，OCR 在标签锁之外执行
func (c *Correlator) HandleCapture(ctx context.Context, ev models.CaptureEvent) (Outcome, error) {
	if ev.TagID == "" || !ev.Station.Valid() {
		return nil, fmt.Errorf("%w: tag %q station %d", ErrInvalidEvent, ev.TagID, ev.Station)
	}

	machine, ok := c.machines.Get(ev.TagID)
	if !ok {
		return nil, fmt.Errorf("%w: tag %s", ErrSessionNotFound, ev.TagID)
	}

	machine.Lock()
	sessionID, err := c.expectCapture(machine, ev)
	machine.Unlock()
	if err != nil {
		return nil, err
	}

	raw, recognized := c.resolvePlate(ctx, ev)

	machine.Lock()
	defer machine.Unlock()

	// 识别期间可能已超时或被重复抓拍处理
	current, err := c.expectCapture(machine, ev)
	if err != nil {
		return nil, err
	}
	if current != sessionID {
		return nil, fmt.Errorf("%w: session for %s changed during recognition", ErrDuplicateEvent, ev.TagID)
	}

	if ev.Station == models.StationEntrance {
		return c.entryCapture(ctx, machine, ev, raw, recognized)
	}
	return c.exitCapture(ctx, machine, ev, raw, recognized)
}

// expectCapture 检查标签是否在等待该采集站的抓拍，返回会话 ID
func (c *Correlator) expectCapture(machine *state.Machine, ev models.CaptureEvent) (string, error) {
	s := machine.Session()
	if s == nil {
		return "", fmt.Errorf("%w: tag %s", ErrSessionNotFound, ev.TagID)
	}

	want := models.StatusAwaitingEntryCapture
	if ev.Station == models.StationExit {
		want = models.StatusAwaitingExitCapture
	}
	if s.Status == want {
		return s.ID, nil
	}
	if s.Status == models.StatusAwaitingEntryCapture || s.Status == models.StatusAwaitingExitCapture {
		return "", fmt.Errorf("%w: tag %s waits for %s, capture came from %s", ErrInvalidState, ev.TagID, s.Status, ev.Station)
	}
	return "", fmt.Errorf("%w: no capture expected for tag %s in %s", ErrDuplicateEvent, ev.TagID, s.Status)
}

// resolvePlate 优先使用采集站识别的文本，否则调用 OCR，失败时视为无法识别
func (c *Correlator) resolvePlate(ctx context.Context, ev models.CaptureEvent) (string, bool) {
	if ev.PlateText != nil {
		text := strings.TrimSpace(*ev.PlateText)
		if plate.Key(text) != "" && !strings.EqualFold(text, UnrecognizedPlate) {
			return text, true
		}
	}

	if ev.Image == "" || c.recognizer == nil {
		return "", false
	}

	ocrCtx, cancel := context.WithTimeout(ctx, c.cfg.OCRTimeout)
	defer cancel()

	text, err := c.recognizer.Recognize(ocrCtx, ev.Image)
	if err != nil {
		c.logger.Warn("Plate recognition failed",
			zap.String("tag_id", ev.TagID),
			zap.Stringer("station", ev.Station),
			zap.Error(err),
		)
		return "", false
	}
	if plate.Key(text) == "" {
		return "", false
	}
	return text, true
}

func (c *Correlator) entryCapture(ctx context.Context, machine *state.Machine, ev models.CaptureEvent, raw string, recognized bool) (Outcome, error) {
	next := machine.Session()
	result := models.CaptureResult{TagID: ev.TagID, Station: ev.Station, RawText: raw, Recognized: recognized}

	var sub *subscriptionUse
	if recognized {
		entryPlate := plate.Key(raw)
		if vehicle, m, ok := c.checker.Identify(ctx, raw); ok && vehicle != nil {
			entryPlate = m.Key
			next.OwnerID = models.StringPtr(vehicle.OwnerID)
			result.MatchedPlate = vehicle.Plate
			result.Score = m.Score

			if res := c.checker.CheckEntry(ctx, vehicle.OwnerID, m.Key); res.Valid {
				sub = &subscriptionUse{id: res.Subscription.ID, remainingDays: res.RemainingDays}
			} else {
				c.logger.Info("Entry without subscription",
					zap.String("tag_id", ev.TagID),
					zap.String("plate", m.Key),
					zap.String("details", res.Details),
				)
			}
		}
		next.EntryPlate = models.StringPtr(entryPlate)
		result.Plate = entryPlate
	} else {
		result.Reason = ErrRecognitionFailure.Error()
	}

	next.PaymentType = models.PaymentHourly
	if sub != nil {
		next.PaymentType = models.PaymentSubscription
		next.SubscriptionRef = models.StringPtr(sub.id)
	}
	next.Status = models.StatusOpen
	next.UpdatedAt = c.now()

	if err := c.commit(ctx, machine, state.EventEntryCaptured, next); err != nil {
		return nil, err
	}

	c.notifier.CaptureResult(ctx, result)

	o := EntryOK{
		Meta: Meta{
			TagID:     ev.TagID,
			Station:   ev.Station,
			SessionID: next.ID,
			Reason:    ReasonEntryAllowed,
			At:        next.UpdatedAt,
		},
		Plate:      plateOrUnrecognized(next.EntryPlate),
		Recognized: recognized,
		OwnerID:    models.PlateOrEmpty(next.OwnerID),
	}
	if !recognized {
		o.Reason = ReasonEntryAllowed + ": " + ErrRecognitionFailure.Error()
	}
	if sub != nil {
		o.SubscriptionUsed = true
		o.RemainingDays = sub.remainingDays
		o.Reason = ReasonSubscriptionValid
	}

	c.coordinator.Dispatch(ctx, o)
	return o, nil
}

type subscriptionUse struct {
	id            string
	remainingDays int
}

func (c *Correlator) exitCapture(ctx context.Context, machine *state.Machine, ev models.CaptureEvent, raw string, recognized bool) (Outcome, error) {
	next := machine.Session()
	now := c.now()
	next.UpdatedAt = now

	result := models.CaptureResult{TagID: ev.TagID, Station: ev.Station, RawText: raw, Recognized: recognized}
	exitPlate := ""
	if recognized {
		exitPlate = plate.Key(raw)
		next.ExitPlate = models.StringPtr(exitPlate)
		result.Plate = exitPlate
	} else {
		result.Reason = ErrRecognitionFailure.Error()
	}
	c.notifier.CaptureResult(ctx, result)

	meta := Meta{
		TagID:     ev.TagID,
		Station:   ev.Station,
		SessionID: next.ID,
		At:        now,
	}

	// 进出车牌一致性，两边都识别成功才比较
	entryPlate := models.PlateOrEmpty(next.EntryPlate)
	if recognized && entryPlate != "" {
		similarity := plate.Similarity(entryPlate, exitPlate)
		next.Similarity = &similarity
		if similarity < c.cfg.ConsistencyThreshold {
			next.Status = models.StatusSecurityHold
			next.HoldReason = ErrPlateMismatch.Error()
			if err := c.commit(ctx, machine, state.EventSecurityHold, next); err != nil {
				return nil, err
			}

			meta.Reason = fmt.Sprintf("%s (similarity %.2f)", ErrPlateMismatch.Error(), similarity)
			o := ExitSecurityAlert{Meta: meta, EntryPlate: entryPlate, ExitPlate: exitPlate, Similarity: similarity}
			c.coordinator.Dispatch(ctx, o)
			return o, nil
		}
	}

	res, err := c.calculateFee(next)
	if err != nil {
		next.Status = models.StatusSecurityHold
		next.HoldReason = ErrInvalidInterval.Error()
		if err := c.commit(ctx, machine, state.EventSecurityHold, next); err != nil {
			return nil, err
		}

		meta.Reason = err.Error()
		o := Failure{Meta: meta, Code: CodeInvalidInterval, Err: ErrInvalidInterval}
		c.coordinator.Dispatch(ctx, o)
		return o, nil
	}

	// 出口识别失败时不做月票复核，按临停收费
	covered := false
	if recognized && next.PaymentType == models.PaymentSubscription && next.OwnerID != nil {
		check := c.checker.Check(ctx, *next.OwnerID, exitPlate)
		covered = check.Valid
		if !covered {
			c.logger.Info("Subscription no longer covers session",
				zap.String("session_id", next.ID),
				zap.String("details", check.Details),
			)
		}
	}

	res = fee.ApplySubscription(res, covered)
	next.SetFee(res.Fee, res.OriginalFee, res.SubscriptionDiscount, string(res.Category), res.DurationDisplay)

	if covered {
		method := string(models.MethodSubscription)
		next.Status = models.StatusClosed
		next.PaymentStatus = models.PaymentWaived
		next.PaymentMethod = &method
		next.CloseReason = CloseExitCleared
		if err := c.commit(ctx, machine, state.EventExitCleared, next); err != nil {
			return nil, err
		}

		o := closedOutcome(next)
		c.coordinator.Dispatch(ctx, o)
		return o, nil
	}

	next.PaymentType = models.PaymentHourly
	next.SubscriptionRef = nil
	next.Status = models.StatusAwaitingPayment
	if err := c.commit(ctx, machine, state.EventPaymentRequired, next); err != nil {
		return nil, err
	}

	meta.Reason = ReasonPaymentRequired
	if !recognized {
		meta.Reason = ReasonPaymentRequired + ": " + ErrRecognitionFailure.Error()
	}
	o := ExitPaymentRequired{
		Meta:            meta,
		ExitPlate:       plateOrUnrecognized(next.ExitPlate),
		Fee:             next.Fee,
		FeeCategory:     next.FeeCategory,
		DurationDisplay: next.DurationDisplay,
	}
	c.coordinator.Dispatch(ctx, o)
	return o, nil
}

// calculateFee 按停车场时区计算费用
func (c *Correlator) calculateFee(s *models.ParkingSession) (fee.Result, error) {
	if s.EntryTime == nil || s.ExitTime == nil {
		return fee.Result{}, fmt.Errorf("%w: missing entry or exit time", ErrInvalidInterval)
	}
	res, err := fee.Calculate(s.EntryTime.In(c.cfg.Location), s.ExitTime.In(c.cfg.Location))
	if err != nil {
		return fee.Result{}, fmt.Errorf("%w: %v", ErrInvalidInterval, err)
	}
	return res, nil
}

// commit 先持久化再切换状态，并停止抓拍计时
func (c *Correlator) commit(ctx context.Context, machine *state.Machine, event string, next *models.ParkingSession) error {
	if err := c.store.Update(ctx, next); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if err := machine.Commit(ctx, event, next); err != nil {
		return err
	}
	machine.StopTimer()
	return nil
}

// armCaptureTimer 抓拍等待计时，调用方须持有锁
func (c *Correlator) armCaptureTimer(machine *state.Machine, sessionID string, d time.Duration) {
	machine.ArmTimer(d, func() {
		c.captureTimeout(machine, sessionID)
	})
}

// captureTimeout 超时关闭会话，标签可以重新使用
func (c *Correlator) captureTimeout(machine *state.Machine, sessionID string) {
	machine.Lock()
	defer machine.Unlock()

	s := machine.Session()
	if s == nil || s.ID != sessionID || captureStartedAt(s) == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	station := models.StationEntrance
	if s.Status == models.StatusAwaitingExitCapture {
		station = models.StationExit
	}

	next := s.Clone()
	next.Status = models.StatusClosed
	next.CloseReason = CloseCaptureTimeout
	next.UpdatedAt = c.now()

	if err := c.commit(ctx, machine, state.EventCaptureTimeout, next); err != nil {
		c.logger.Error("Failed to close timed out session",
			zap.String("session_id", sessionID),
			zap.String("tag_id", s.TagID),
			zap.Error(err),
		)
		// 稍后重试
		c.armCaptureTimer(machine, sessionID, c.cfg.CaptureTimeout)
		return
	}

	c.logger.Warn("Capture timed out, session closed",
		zap.String("session_id", sessionID),
		zap.String("tag_id", s.TagID),
		zap.Stringer("station", station),
	)

	o := Failure{
		Meta: Meta{
			TagID:     s.TagID,
			Station:   station,
			SessionID: sessionID,
			Reason:    ReasonCaptureTimeout,
			At:        next.UpdatedAt,
		},
		Code: CodeCaptureTimeout,
		Err:  ErrCaptureTimeout,
	}
	c.coordinator.Dispatch(ctx, o)
}

// Session 标签当前未关闭的会话
func (c *Correlator) Session(tagID string) (*models.ParkingSession, error) {
	machine, ok := c.machines.Get(tagID)
	if !ok {
		return nil, fmt.Errorf("%w: tag %s", ErrSessionNotFound, tagID)
	}
	s := machine.Snapshot()
	if s == nil || !s.IsActive() {
		return nil, fmt.Errorf("%w: tag %s", ErrSessionNotFound, tagID)
	}
	return s, nil
}

// Sessions 所有未关闭的会话
func (c *Correlator) Sessions() []*models.ParkingSession {
	return c.machines.ActiveSessions()
}

func (c *Correlator) requestCapture(ctx context.Context, ev models.ScanEvent) {
	c.notifier.CaptureRequested(ctx, models.CaptureRequest{
		Type:    "auto_capture",
		TagID:   ev.TagID,
		Station: ev.Station,
	})
	c.logger.Info("Capture requested",
		zap.String("tag_id", ev.TagID),
		zap.Stringer("station", ev.Station),
	)
}

// eventTime 事件时间为空时使用当前时间
func (c *Correlator) eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return c.now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

// captureStartedAt 等待抓拍的起始时间，不在等待状态时返回 nil
func captureStartedAt(s *models.ParkingSession) *time.Time {
	switch s.Status {
	case models.StatusAwaitingEntryCapture:
		return s.EntryTime
	case models.StatusAwaitingExitCapture:
		return s.ExitTime
	}
	return nil
}
