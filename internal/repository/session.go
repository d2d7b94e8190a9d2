package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/langchou/parkgate/internal/models"
)

// SessionRepository 停车会话仓库
type SessionRepository struct {
	db *DB
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, tag_id, status, owner_id, entry_plate, exit_plate, similarity,
	entry_time, exit_time, payment_type, subscription_ref,
	fee, fee_set, fee_category, original_fee, subscription_discount, duration_display,
	payment_status, payment_method, close_reason, hold_reason, created_at, updated_at
`

// Create 创建会话，标签已有未关闭会话时返回 ErrConflict
func (r *SessionRepository) Create(ctx context.Context, s *models.ParkingSession) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err := r.db.Pool.Exec(ctx, query, sessionArgs(s)...)
	if err != nil {
		return fmt.Errorf("create session: %w", mapError(err))
	}
	return nil
}

// Update 更新会话
func (r *SessionRepository) Update(ctx context.Context, s *models.ParkingSession) error {
	return update(ctx, r.db.Pool, s)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func update(ctx context.Context, db execer, s *models.ParkingSession) error {
	query := `
		UPDATE sessions SET
			status = $2, owner_id = $3, entry_plate = $4, exit_plate = $5, similarity = $6,
			entry_time = $7, exit_time = $8, payment_type = $9, subscription_ref = $10,
			fee = $11, fee_set = $12, fee_category = $13, original_fee = $14,
			subscription_discount = $15, duration_display = $16,
			payment_status = $17, payment_method = $18, close_reason = $19, hold_reason = $20,
			updated_at = $21
		WHERE id = $1
	`
	tag, err := db.Exec(ctx, query,
		s.ID,
		s.Status,
		s.OwnerID,
		s.EntryPlate,
		s.ExitPlate,
		s.Similarity,
		s.EntryTime,
		s.ExitTime,
		s.PaymentType,
		s.SubscriptionRef,
		s.Fee,
		s.FeeSet,
		s.FeeCategory,
		s.OriginalFee,
		s.SubscriptionDiscount,
		s.DurationDisplay,
		s.PaymentStatus,
		s.PaymentMethod,
		s.CloseReason,
		s.HoldReason,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// GetByID 通过 ID 获取会话
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.ParkingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get session by id: %w", mapError(err))
	}
	return s, nil
}

// ListActive 获取所有未关闭的会话
func (r *SessionRepository) ListActive(ctx context.Context) ([]*models.ParkingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status <> 'closed' ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ParkingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	return sessions, nil
}

// CountActiveSubscriptionSessions 车主正在使用月票的未关闭会话数
func (r *SessionRepository) CountActiveSubscriptionSessions(ctx context.Context, ownerID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM sessions
		WHERE owner_id = $1 AND payment_type = 'subscription' AND status <> 'closed'
	`
	var n int
	if err := r.db.Pool.QueryRow(ctx, query, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscription sessions: %w", err)
	}
	return n, nil
}

// Settle 结算: 余额支付时扣款，写支付记录，关闭会话，全部在一个事务内
func (r *SessionRepository) Settle(ctx context.Context, s *models.ParkingSession, p *models.Payment) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.Method == models.MethodBalance {
		if s.OwnerID == nil {
			return fmt.Errorf("debit balance: %w", ErrNotFound)
		}
		if err := debit(ctx, tx, *s.OwnerID, p.Amount); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO payments (id, session_id, amount, method, status, confirmed_by, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, query,
		p.ID, p.SessionID, p.Amount, p.Method, p.Status, p.ConfirmedBy, p.TransactionID, p.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert payment: %w", mapError(err))
	}

	if err := update(ctx, tx, s); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}

// debit 扣减余额，账户不存在返回 ErrNotFound，余额不足返回 ErrInsufficientBalance
func debit(ctx context.Context, tx pgx.Tx, ownerID string, amount int64) error {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE owner_id = $1 FOR UPDATE`, ownerID).Scan(&balance)
	if err != nil {
		return fmt.Errorf("get account balance: %w", mapError(err))
	}
	if balance < amount {
		return fmt.Errorf("debit %d from %d: %w", amount, balance, ErrInsufficientBalance)
	}

	_, err = tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2, updated_at = NOW() WHERE owner_id = $1`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	return nil
}

func sessionArgs(s *models.ParkingSession) []any {
	return []any{
		s.ID,
		s.TagID,
		s.Status,
		s.OwnerID,
		s.EntryPlate,
		s.ExitPlate,
		s.Similarity,
		s.EntryTime,
		s.ExitTime,
		s.PaymentType,
		s.SubscriptionRef,
		s.Fee,
		s.FeeSet,
		s.FeeCategory,
		s.OriginalFee,
		s.SubscriptionDiscount,
		s.DurationDisplay,
		s.PaymentStatus,
		s.PaymentMethod,
		s.CloseReason,
		s.HoldReason,
		s.CreatedAt,
		s.UpdatedAt,
	}
}

func scanSession(row pgx.Row) (*models.ParkingSession, error) {
	s := &models.ParkingSession{}
	err := row.Scan(
		&s.ID,
		&s.TagID,
		&s.Status,
		&s.OwnerID,
		&s.EntryPlate,
		&s.ExitPlate,
		&s.Similarity,
		&s.EntryTime,
		&s.ExitTime,
		&s.PaymentType,
		&s.SubscriptionRef,
		&s.Fee,
		&s.FeeSet,
		&s.FeeCategory,
		&s.OriginalFee,
		&s.SubscriptionDiscount,
		&s.DurationDisplay,
		&s.PaymentStatus,
		&s.PaymentMethod,
		&s.CloseReason,
		&s.HoldReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
