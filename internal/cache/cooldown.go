package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/langchou/parkgate/internal/models"
	"github.com/redis/go-redis/v9"
)

func cooldownKey(tagID string, station models.Station) string {
	return fmt.Sprintf("%scooldown:%s:%d", keyPrefix, tagID, station)
}

// RedisCooldown 基于 SET NX PX 的去抖窗口
type RedisCooldown struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCooldown 创建 Redis 去抖
func NewRedisCooldown(client *redis.Client, ttl time.Duration) *RedisCooldown {
	return &RedisCooldown{client: client, ttl: ttl}
}

// Allow 窗口内第一次调用返回 true
func (c *RedisCooldown) Allow(ctx context.Context, tagID string, station models.Station) (bool, error) {
	ok, err := c.client.SetNX(ctx, cooldownKey(tagID, station), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set cooldown: %w", err)
	}
	return ok, nil
}

// LocalCooldown 进程内去抖窗口
type LocalCooldown struct {
	mu    sync.Mutex
	ttl   time.Duration
	until map[string]time.Time
	now   func() time.Time
}

// NewLocalCooldown 创建进程内去抖
func NewLocalCooldown(ttl time.Duration) *LocalCooldown {
	return &LocalCooldown{
		ttl:   ttl,
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Allow 窗口内第一次调用返回 true
func (c *LocalCooldown) Allow(_ context.Context, tagID string, station models.Station) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := cooldownKey(tagID, station)
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, nil
	}
	c.until[key] = now.Add(c.ttl)

	// 顺带清理过期项
	if len(c.until) > 1024 {
		for k, until := range c.until {
			if !now.Before(until) {
				delete(c.until, k)
			}
		}
	}
	return true, nil
}
