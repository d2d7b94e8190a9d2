package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/langchou/parkgate/internal/models"
)

// plateKeySQL 与 plate.Key 一致的比较键
const plateKeySQL = `regexp_replace(upper(plate), '[^A-Z0-9]', '', 'g')`

// RegistryRepository 车辆登记与月票仓库，数据由外部系统维护
type RegistryRepository struct {
	db *DB
}

// NewRegistryRepository 创建登记仓库
func NewRegistryRepository(db *DB) *RegistryRepository {
	return &RegistryRepository{db: db}
}

// ListRegisteredPlates 车主名下启用中的车牌
func (r *RegistryRepository) ListRegisteredPlates(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT plate FROM vehicles WHERE owner_id = $1 AND active ORDER BY plate`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list registered plates: %w", err)
	}
	defer rows.Close()

	var plates []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan plate: %w", err)
		}
		plates = append(plates, p)
	}
	return plates, rows.Err()
}

// ListAllPlates 所有启用中的登记车辆
func (r *RegistryRepository) ListAllPlates(ctx context.Context) ([]models.RegisteredVehicle, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT plate, owner_id, active, created_at FROM vehicles WHERE active ORDER BY plate`)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []models.RegisteredVehicle
	for rows.Next() {
		var v models.RegisteredVehicle
		if err := rows.Scan(&v.Plate, &v.OwnerID, &v.Active, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// FindActiveSubscription 查找可用月票，指定车牌的优先于车主通用的，没有时返回 nil, nil
func (r *RegistryRepository) FindActiveSubscription(ctx context.Context, ownerID, plateKey string, now time.Time) (*models.Subscription, error) {
	query := `
		SELECT id, owner_id, plate, start_date, end_date, status, payment_status, vehicle_limit
		FROM subscriptions
		WHERE owner_id = $1
		  AND status = 'active' AND payment_status = 'paid'
		  AND start_date <= $3 AND end_date >= $3
		  AND (plate IS NULL OR ` + plateKeySQL + ` = $2)
		ORDER BY (plate IS NULL), end_date DESC
		LIMIT 1
	`
	s := &models.Subscription{}
	err := r.db.Pool.QueryRow(ctx, query, ownerID, plateKey, now).Scan(
		&s.ID,
		&s.OwnerID,
		&s.Plate,
		&s.StartDate,
		&s.EndDate,
		&s.Status,
		&s.PaymentStatus,
		&s.VehicleLimit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active subscription: %w", err)
	}
	return s, nil
}

// ExpireSubscriptions 将已过期的月票标记为 expired，可重复执行
func (r *RegistryRepository) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE subscriptions SET status = 'expired' WHERE status = 'active' AND end_date < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}
