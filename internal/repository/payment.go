package repository

import (
	"context"
	"fmt"

	"github.com/langchou/parkgate/internal/models"
)

// PaymentRepository 支付记录仓库
type PaymentRepository struct {
	db *DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// GetBySession 获取会话的支付记录
func (r *PaymentRepository) GetBySession(ctx context.Context, sessionID string) (*models.Payment, error) {
	query := `
		SELECT id, session_id, amount, method, status, confirmed_by, transaction_id, created_at
		FROM payments WHERE session_id = $1
	`
	p := &models.Payment{}
	err := r.db.Pool.QueryRow(ctx, query, sessionID).Scan(
		&p.ID,
		&p.SessionID,
		&p.Amount,
		&p.Method,
		&p.Status,
		&p.ConfirmedBy,
		&p.TransactionID,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get payment by session: %w", mapError(err))
	}
	return p, nil
}

// Balance 车主账户余额
func (r *PaymentRepository) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := r.db.Pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE owner_id = $1`, ownerID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", mapError(err))
	}
	return balance, nil
}
