package models

import "time"

// PaymentMethod 支付方式
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodQR           PaymentMethod = "qr"
	MethodBalance      PaymentMethod = "balance" // 从车主余额扣款
	MethodSubscription PaymentMethod = "subscription"
)

// Valid 人工确认可用的支付方式
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodQR, MethodBalance:
		return true
	}
	return false
}

// Payment 支付记录
type Payment struct {
	ID            string        `json:"id" db:"id"`
	SessionID     string        `json:"session_id" db:"session_id"`
	Amount        int64         `json:"amount" db:"amount"`
	Method        PaymentMethod `json:"method" db:"method"`
	Status        string        `json:"status" db:"status"` // completed
	ConfirmedBy   string        `json:"confirmed_by" db:"confirmed_by"`
	TransactionID string        `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// PaymentConfirmation 工作人员确认收款请求
type PaymentConfirmation struct {
	SessionID     string        `json:"sessionId"`
	Method        PaymentMethod `json:"paymentMethod"`
	ConfirmedBy   string        `json:"confirmedBy"`
	TransactionID string        `json:"transactionId,omitempty"`
}
