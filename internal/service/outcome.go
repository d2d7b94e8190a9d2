package service

import (
	"encoding/json"
	"time"

	"github.com/langchou/parkgate/internal/models"
)

// Action 结果类型，即推送给采集站和看板的 action 字段
type Action string

const (
	ActionIn                 Action = "IN"
	ActionOut                Action = "OUT"
	ActionOutPaymentRequired Action = "OUT_PAYMENT_REQUIRED"
	ActionOutSecurityAlert   Action = "OUT_SECURITY_ALERT"
	ActionError              Action = "ERROR"
)

// UnrecognizedPlate 识别失败时展示的车牌
const UnrecognizedPlate = "unrecognized"

// Outcome 会话处理结果，具体类型为 EntryOK、ExitOK、ExitPaymentRequired、ExitSecurityAlert 或 Failure
type Outcome interface {
	Action() Action
	Info() Meta
}

// Meta 所有结果共有的字段
type Meta struct {
	TagID     string         `json:"tagId"`
	Station   models.Station `json:"stationIndex"`
	SessionID string         `json:"sessionId,omitempty"`
	Reason    string         `json:"reason"`
	At        time.Time      `json:"timestamp"`
}

// Info 返回公共字段
func (m Meta) Info() Meta { return m }

// EntryOK 入场放行
type EntryOK struct {
	Meta
	Plate            string `json:"plate"`
	Recognized       bool   `json:"recognized"`
	SubscriptionUsed bool   `json:"subscriptionUsed"`
	OwnerID          string `json:"ownerId,omitempty"`
	RemainingDays    int    `json:"remainingDays,omitempty"`
}

func (EntryOK) Action() Action { return ActionIn }

// MarshalJSON 附加 action 字段
func (o EntryOK) MarshalJSON() ([]byte, error) {
	type alias EntryOK
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{o.Action(), alias(o)})
}

// ExitOK 出场放行，月票免费或已人工收费
type ExitOK struct {
	Meta
	ExitPlate        string `json:"exitPlate"`
	EntryPlate       string `json:"entryPlate"`
	Fee              int64  `json:"fee"`
	FeeCategory      string `json:"feeCategory"`
	SubscriptionUsed bool   `json:"subscriptionUsed"`
	DurationDisplay  string `json:"durationDisplay"`
	PaymentMethod    string `json:"paymentMethod,omitempty"`
}

func (ExitOK) Action() Action { return ActionOut }

// MarshalJSON 附加 action 字段
func (o ExitOK) MarshalJSON() ([]byte, error) {
	type alias ExitOK
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{o.Action(), alias(o)})
}

// ExitPaymentRequired 需要人工收费，会话停在 awaiting_payment
type ExitPaymentRequired struct {
	Meta
	ExitPlate       string `json:"exitPlate"`
	Fee             int64  `json:"fee"`
	FeeCategory     string `json:"feeCategory"`
	DurationDisplay string `json:"durationDisplay"`
}

func (ExitPaymentRequired) Action() Action { return ActionOutPaymentRequired }

// MarshalJSON 附加 action 字段
func (o ExitPaymentRequired) MarshalJSON() ([]byte, error) {
	type alias ExitPaymentRequired
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{o.Action(), alias(o)})
}

// ExitSecurityAlert 进出车牌不一致，等待人工处理
type ExitSecurityAlert struct {
	Meta
	EntryPlate string  `json:"entryPlate"`
	ExitPlate  string  `json:"exitPlate"`
	Similarity float64 `json:"similarity"`
}

func (ExitSecurityAlert) Action() Action { return ActionOutSecurityAlert }

// MarshalJSON 附加 action 字段
func (o ExitSecurityAlert) MarshalJSON() ([]byte, error) {
	type alias ExitSecurityAlert
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{o.Action(), alias(o)})
}

// Failure 处理失败，道闸不动作
type Failure struct {
	Meta
	Code string `json:"code"`
	Err  error  `json:"-"`
}

func (Failure) Action() Action { return ActionError }

// Error 失败原因
func (f Failure) Error() string { return f.Reason }

// Unwrap 返回对应的业务错误
func (f Failure) Unwrap() error { return f.Err }

// MarshalJSON 附加 action 字段
func (f Failure) MarshalJSON() ([]byte, error) {
	type alias Failure
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{f.Action(), alias(f)})
}

func plateOrUnrecognized(p *string) string {
	if p == nil || *p == "" {
		return UnrecognizedPlate
	}
	return *p
}
