// Package fee 停车费计算，按次收费，跨 21:00 或跨日按过夜价
package fee

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// 收费标准 (最小货币单位)
const (
	RegularFee    int64 = 35000
	OvernightFee  int64 = 50000
	OvernightHour       = 21
)

// Category 费用类别
type Category string

const (
	CategoryRegular      Category = "regular"
	CategoryOvernight    Category = "overnight"
	CategorySubscription Category = "subscription"
)

// ErrInvalidInterval 出场时间早于入场时间
var ErrInvalidInterval = errors.New("exit time before entry time")

// Result 计费结果
type Result struct {
	Fee                  int64    `json:"fee"`
	Category             Category `json:"feeCategory"`
	DurationDisplay      string   `json:"durationDisplay"`
	BillableHours        int      `json:"billableHours"`
	OriginalFee          int64    `json:"originalFee"`
	SubscriptionDiscount int64    `json:"subscriptionDiscount"`
}

// Calculate 根据入场/出场时间计算费用，日期与小时按 entry 所在时区判断
func Calculate(entry, exit time.Time) (Result, error) {
	if exit.Before(entry) {
		return Result{}, fmt.Errorf("%w: entry=%s exit=%s", ErrInvalidInterval,
			entry.Format(time.RFC3339), exit.Format(time.RFC3339))
	}

	exit = exit.In(entry.Location())
	duration := exit.Sub(entry)

	res := Result{
		Fee:             RegularFee,
		Category:        CategoryRegular,
		DurationDisplay: FormatDuration(duration),
		BillableHours:   int(math.Ceil(duration.Hours())),
	}

	if crossesOvernight(entry, exit) {
		res.Fee = OvernightFee
		res.Category = CategoryOvernight
	}
	res.OriginalFee = res.Fee
	return res, nil
}

// ApplySubscription 有月票时免收费用，并记录减免金额
func ApplySubscription(res Result, hasSubscription bool) Result {
	res.OriginalFee = res.Fee
	if !hasSubscription {
		res.SubscriptionDiscount = 0
		return res
	}
	res.SubscriptionDiscount = res.Fee
	res.Fee = 0
	res.Category = CategorySubscription
	return res
}

// crossesOvernight 同日 21 点前入场 21 点后出场，或入场与出场不在同一天
func crossesOvernight(entry, exit time.Time) bool {
	ey, em, ed := entry.Date()
	xy, xm, xd := exit.Date()
	if ey != xy || em != xm || ed != xd {
		return true
	}
	return entry.Hour() < OvernightHour && exit.Hour() >= OvernightHour
}

// FormatDuration 格式化停车时长，如 "2h 30m 0s"
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	s := ""
	if hours > 0 {
		s += fmt.Sprintf("%dh ", hours)
	}
	if minutes > 0 || hours > 0 {
		s += fmt.Sprintf("%dm ", minutes)
	}
	return s + fmt.Sprintf("%ds", seconds)
}
