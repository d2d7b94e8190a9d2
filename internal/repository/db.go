package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping 检查连接
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateVehicles,
		migrationCreateSubscriptions,
		migrationCreateAccounts,
		migrationCreateSessions,
		migrationCreateSessionsOpenIndex,
		migrationCreatePayments,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateVehicles = `
CREATE TABLE IF NOT EXISTS vehicles (
    plate VARCHAR(20) PRIMARY KEY,
    owner_id VARCHAR(64) NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_vehicles_owner ON vehicles(owner_id);
`

const migrationCreateSubscriptions = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id VARCHAR(64) PRIMARY KEY,
    owner_id VARCHAR(64) NOT NULL,
    plate VARCHAR(20),
    start_date TIMESTAMPTZ NOT NULL,
    end_date TIMESTAMPTZ NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    payment_status VARCHAR(20) NOT NULL DEFAULT 'pending',
    vehicle_limit INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_owner ON subscriptions(owner_id, status);
`

const migrationCreateAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    owner_id VARCHAR(64) PRIMARY KEY,
    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const migrationCreateSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(36) PRIMARY KEY,
    tag_id VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL,
    owner_id VARCHAR(64),
    entry_plate VARCHAR(20),
    exit_plate VARCHAR(20),
    similarity DOUBLE PRECISION,
    entry_time TIMESTAMPTZ,
    exit_time TIMESTAMPTZ,
    payment_type VARCHAR(20) NOT NULL DEFAULT 'hourly',
    subscription_ref VARCHAR(64),
    fee BIGINT NOT NULL DEFAULT 0,
    fee_set BOOLEAN NOT NULL DEFAULT FALSE,
    fee_category VARCHAR(20) NOT NULL DEFAULT '',
    original_fee BIGINT NOT NULL DEFAULT 0,
    subscription_discount BIGINT NOT NULL DEFAULT 0,
    duration_display VARCHAR(32) NOT NULL DEFAULT '',
    payment_status VARCHAR(20) NOT NULL DEFAULT 'pending',
    payment_method VARCHAR(20),
    close_reason VARCHAR(32) NOT NULL DEFAULT '',
    hold_reason VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_tag ON sessions(tag_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_open ON sessions(owner_id) WHERE status <> 'closed';
`

// 每个标签最多一个未关闭会话
const migrationCreateSessionsOpenIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_tag_open ON sessions(tag_id) WHERE status <> 'closed';
`

const migrationCreatePayments = `
CREATE TABLE IF NOT EXISTS payments (
    id VARCHAR(36) PRIMARY KEY,
    session_id VARCHAR(36) NOT NULL REFERENCES sessions(id),
    amount BIGINT NOT NULL,
    method VARCHAR(20) NOT NULL,
    status VARCHAR(20) NOT NULL,
    confirmed_by VARCHAR(64) NOT NULL DEFAULT '',
    transaction_id VARCHAR(128) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_session ON payments(session_id);
`
