package models

import "time"

// SessionStatus 停车会话状态
type SessionStatus string

const (
	StatusAwaitingEntryCapture SessionStatus = "awaiting_entry_capture"
	StatusOpen                 SessionStatus = "open"
	StatusAwaitingExitCapture  SessionStatus = "awaiting_exit_capture"
	StatusAwaitingPayment      SessionStatus = "awaiting_payment"
	StatusClosed               SessionStatus = "closed"
	StatusSecurityHold         SessionStatus = "security_hold"
)

// PaymentType 计费方式
type PaymentType string

const (
	PaymentHourly       PaymentType = "hourly"
	PaymentSubscription PaymentType = "subscription"
)

// PaymentStatus 会话支付状态
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentWaived  PaymentStatus = "waived" // 月票免费
)

// ParkingSession 停车会话，每个 RFID 标签同一时刻最多一个未关闭的会话
type ParkingSession struct {
	ID      string        `json:"id" db:"id"`
	TagID   string        `json:"tag_id" db:"tag_id"`
	Status  SessionStatus `json:"status" db:"status"`
	OwnerID *string       `json:"owner_id,omitempty" db:"owner_id"`

	// 车牌 (规范化后)
	EntryPlate *string  `json:"entry_plate,omitempty" db:"entry_plate"`
	ExitPlate  *string  `json:"exit_plate,omitempty" db:"exit_plate"`
	Similarity *float64 `json:"similarity,omitempty" db:"similarity"` // 进出车牌一致性

	// 时间
	EntryTime *time.Time `json:"entry_time,omitempty" db:"entry_time"`
	ExitTime  *time.Time `json:"exit_time,omitempty" db:"exit_time"`

	// 计费
	PaymentType          PaymentType   `json:"payment_type" db:"payment_type"`
	SubscriptionRef      *string       `json:"subscription_ref,omitempty" db:"subscription_ref"`
	Fee                  int64         `json:"fee" db:"fee"`
	FeeSet               bool          `json:"fee_set" db:"fee_set"`
	FeeCategory          string        `json:"fee_category,omitempty" db:"fee_category"`
	OriginalFee          int64         `json:"original_fee" db:"original_fee"`
	SubscriptionDiscount int64         `json:"subscription_discount" db:"subscription_discount"`
	DurationDisplay      string        `json:"duration_display,omitempty" db:"duration_display"`
	PaymentStatus        PaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentMethod        *string       `json:"payment_method,omitempty" db:"payment_method"`

	// 结束原因
	CloseReason string `json:"close_reason,omitempty" db:"close_reason"`
	HoldReason  string `json:"hold_reason,omitempty" db:"hold_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsActive 会话是否未关闭
func (s *ParkingSession) IsActive() bool {
	return s.Status != StatusClosed
}

// SetFee 写入费用，只生效一次
func (s *ParkingSession) SetFee(fee, original, discount int64, category, duration string) bool {
	if s.FeeSet {
		return false
	}
	s.Fee = fee
	s.OriginalFee = original
	s.SubscriptionDiscount = discount
	s.FeeCategory = category
	s.DurationDisplay = duration
	s.FeeSet = true
	return true
}

// Clone 返回深拷贝，状态转换前在副本上修改
func (s *ParkingSession) Clone() *ParkingSession {
	if s == nil {
		return nil
	}
	c := *s
	c.OwnerID = cloneString(s.OwnerID)
	c.EntryPlate = cloneString(s.EntryPlate)
	c.ExitPlate = cloneString(s.ExitPlate)
	c.SubscriptionRef = cloneString(s.SubscriptionRef)
	c.PaymentMethod = cloneString(s.PaymentMethod)
	if s.Similarity != nil {
		v := *s.Similarity
		c.Similarity = &v
	}
	if s.EntryTime != nil {
		t := *s.EntryTime
		c.EntryTime = &t
	}
	if s.ExitTime != nil {
		t := *s.ExitTime
		c.ExitTime = &t
	}
	return &c
}

// PlateOrEmpty 解引用车牌指针
func PlateOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// StringPtr 返回字符串指针，空串返回 nil
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
