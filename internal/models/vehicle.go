package models

import "time"

// RegisteredVehicle 已登记车辆，由外部车辆登记系统维护
type RegisteredVehicle struct {
	Plate     string    `json:"plate" db:"plate"` // 规范化车牌，唯一
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SubscriptionStatus 月票状态
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPending   SubscriptionStatus = "pending"
)

// Subscription 月票
type Subscription struct {
	ID            string             `json:"id" db:"id"`
	OwnerID       string             `json:"owner_id" db:"owner_id"`
	Plate         *string            `json:"plate,omitempty" db:"plate"` // 为空表示覆盖该车主所有车辆
	StartDate     time.Time          `json:"start_date" db:"start_date"`
	EndDate       time.Time          `json:"end_date" db:"end_date"`
	Status        SubscriptionStatus `json:"status" db:"status"`
	PaymentStatus string             `json:"payment_status" db:"payment_status"`
	VehicleLimit  int                `json:"vehicle_limit" db:"vehicle_limit"`
}

// IsValidAt 判断月票在指定时间是否可用
func (s *Subscription) IsValidAt(now time.Time) bool {
	return s.Status == SubscriptionActive &&
		s.PaymentStatus == "paid" &&
		!now.Before(s.StartDate) &&
		!now.After(s.EndDate)
}

// RemainingDays 剩余天数 (向上取整)
func (s *Subscription) RemainingDays(now time.Time) int {
	d := s.EndDate.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}
