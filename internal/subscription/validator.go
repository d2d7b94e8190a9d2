// Package subscription 月票校验
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/plate"
	"go.uber.org/zap"
)

// Registry 车辆登记与月票数据来源
type Registry interface {
	// ListRegisteredPlates 车主名下的登记车牌
	ListRegisteredPlates(ctx context.Context, ownerID string) ([]string, error)
	// ListAllPlates 所有启用中的登记车辆
	ListAllPlates(ctx context.Context) ([]models.RegisteredVehicle, error)
	// FindActiveSubscription 按车牌键查找可用月票，没有时返回 nil, nil
	FindActiveSubscription(ctx context.Context, ownerID, plateKey string, now time.Time) (*models.Subscription, error)
	// ExpireSubscriptions 将已过期的 active 月票标记为 expired，返回更新条数
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

// UsageCounter 统计车主正在使用月票的未关闭会话数
type UsageCounter interface {
	CountActiveSubscriptionSessions(ctx context.Context, ownerID string) (int, error)
}

// MatchMethod 月票命中方式
type MatchMethod string

const (
	MatchExact MatchMethod = "exact"
	MatchFuzzy MatchMethod = "fuzzy"
	MatchNone  MatchMethod = "none"
)

// Result 校验结果，失败时 Valid=false 且 Details 给出原因
type Result struct {
	Valid         bool                 `json:"valid"`
	Subscription  *models.Subscription `json:"subscription,omitempty"`
	MatchMethod   MatchMethod          `json:"matchMethod"`
	MatchedPlate  string               `json:"matchedPlate,omitempty"`
	Score         float64              `json:"score,omitempty"`
	Details       string               `json:"details,omitempty"`
	RemainingDays int                  `json:"remainingDays,omitempty"`
}

// Validator 月票校验器
type Validator struct {
	registry      Registry
	usage         UsageCounter
	threshold     float64
	expireOnCheck bool
	now           func() time.Time
	logger        *zap.Logger
}

// Option 校验器选项
type Option func(*Validator)

// WithThreshold 模糊匹配阈值
func WithThreshold(t float64) Option {
	return func(v *Validator) {
		if t > 0 {
			v.threshold = t
		}
	}
}

// WithUsageCounter 启用车辆数量限制
func WithUsageCounter(u UsageCounter) Option {
	return func(v *Validator) { v.usage = u }
}

// WithExpireOnCheck 校验前是否顺带执行过期清理
func WithExpireOnCheck(enabled bool) Option {
	return func(v *Validator) { v.expireOnCheck = enabled }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator 创建校验器
func NewValidator(registry Registry, logger *zap.Logger, opts ...Option) *Validator {
	v := &Validator{
		registry:      registry,
		threshold:     plate.DefaultThreshold,
		expireOnCheck: true,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Identify 在全部登记车辆中查找识别结果对应的车辆
func (v *Validator) Identify(ctx context.Context, recognized string) (*models.RegisteredVehicle, plate.Match, bool) {
	if plate.Key(recognized) == "" {
		return nil, plate.Match{}, false
	}

	vehicles, err := v.registry.ListAllPlates(ctx)
	if err != nil {
		v.logger.Warn("Failed to list registered plates", zap.Error(err))
		return nil, plate.Match{}, false
	}

	candidates := make([]string, 0, len(vehicles))
	byKey := make(map[string]*models.RegisteredVehicle, len(vehicles))
	for i := range vehicles {
		candidates = append(candidates, vehicles[i].Plate)
		byKey[plate.Key(vehicles[i].Plate)] = &vehicles[i]
	}

	m, ok := plate.BestMatch(recognized, candidates, v.threshold)
	if !ok {
		return nil, plate.Match{}, false
	}
	return byKey[m.Key], m, true
}

// Check 检查车主对该车牌是否有可用月票，查询失败不返回错误，只记录在 Details
func (v *Validator) Check(ctx context.Context, ownerID, recognized string) Result {
	now := v.now()
	if v.expireOnCheck {
		if _, err := v.registry.ExpireSubscriptions(ctx, now); err != nil {
			v.logger.Warn("Failed to expire subscriptions before check", zap.Error(err))
		}
	}

	if ownerID == "" {
		return Result{MatchMethod: MatchNone, Details: "owner unknown"}
	}
	key := plate.Key(recognized)
	if key == "" {
		return Result{MatchMethod: MatchNone, Details: "plate unrecognized"}
	}

	sub, err := v.registry.FindActiveSubscription(ctx, ownerID, key, now)
	if err != nil {
		return Result{MatchMethod: MatchNone, Details: fmt.Sprintf("subscription lookup failed: %v", err)}
	}
	if sub != nil {
		return v.valid(sub, MatchExact, key, plate.ScoreExact, now)
	}

	plates, err := v.registry.ListRegisteredPlates(ctx, ownerID)
	if err != nil {
		return Result{MatchMethod: MatchNone, Details: fmt.Sprintf("registered plates lookup failed: %v", err)}
	}

	m, ok := plate.BestMatch(recognized, plates, v.threshold)
	if !ok || m.Key == key {
		return Result{MatchMethod: MatchNone, Details: "no active subscription"}
	}

	sub, err = v.registry.FindActiveSubscription(ctx, ownerID, m.Key, now)
	if err != nil {
		return Result{MatchMethod: MatchNone, Details: fmt.Sprintf("subscription lookup failed: %v", err)}
	}
	if sub == nil {
		return Result{MatchMethod: MatchNone, MatchedPlate: m.Key, Score: m.Score, Details: "no active subscription"}
	}
	return v.valid(sub, MatchFuzzy, m.Key, m.Score, now)
}

// CheckEntry 入场校验，在 Check 基础上检查月票车辆数量限制
func (v *Validator) CheckEntry(ctx context.Context, ownerID, recognized string) Result {
	res := v.Check(ctx, ownerID, recognized)
	if !res.Valid || v.usage == nil {
		return res
	}

	limit := res.Subscription.VehicleLimit
	if limit <= 0 {
		limit = 1
	}

	inUse, err := v.usage.CountActiveSubscriptionSessions(ctx, ownerID)
	if err != nil {
		res.Valid = false
		res.Details = fmt.Sprintf("usage lookup failed: %v", err)
		return res
	}
	if inUse >= limit {
		res.Valid = false
		res.Details = fmt.Sprintf("vehicle limit exceeded (%d/%d)", inUse, limit)
	}
	return res
}

// Expire 过期清理，可重复执行
func (v *Validator) Expire(ctx context.Context) (int64, error) {
	n, err := v.registry.ExpireSubscriptions(ctx, v.now())
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	if n > 0 {
		v.logger.Info("Subscriptions expired", zap.Int64("count", n))
	}
	return n, nil
}

func (v *Validator) valid(sub *models.Subscription, method MatchMethod, matched string, score float64, now time.Time) Result {
	return Result{
		Valid:         true,
		Subscription:  sub,
		MatchMethod:   method,
		MatchedPlate:  matched,
		Score:         score,
		Details:       "active subscription",
		RemainingDays: sub.RemainingDays(now),
	}
}
