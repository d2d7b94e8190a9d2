package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// ErrConflict 违反唯一约束，例如同一标签已有未关闭会话
var ErrConflict = errors.New("conflict")

// ErrInsufficientBalance 账户余额不足
var ErrInsufficientBalance = errors.New("insufficient balance")

// mapError 将驱动错误转换为仓库错误
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
