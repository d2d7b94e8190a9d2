package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/langchou/parkgate/internal/models"
	"github.com/redis/go-redis/v9"
)

func mailboxKey(tagID string) string {
	return keyPrefix + "gate:" + tagID
}

// RedisMailbox 道闸指令队列，每个标签只保留最新一条
type RedisMailbox struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMailbox 创建 Redis 指令队列
func NewRedisMailbox(client *redis.Client, ttl time.Duration) *RedisMailbox {
	return &RedisMailbox{client: client, ttl: ttl}
}

// Put 写入指令
func (m *RedisMailbox) Put(ctx context.Context, cmd models.GateCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal gate command: %w", err)
	}
	if err := m.client.Set(ctx, mailboxKey(cmd.TagID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("put gate command: %w", err)
	}
	return nil
}

// Take 取出并删除指令，没有时返回 nil, nil
func (m *RedisMailbox) Take(ctx context.Context, tagID string) (*models.GateCommand, error) {
	data, err := m.client.GetDel(ctx, mailboxKey(tagID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take gate command: %w", err)
	}

	var cmd models.GateCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal gate command: %w", err)
	}
	return &cmd, nil
}

type mailboxEntry struct {
	cmd     models.GateCommand
	expires time.Time
}

// LocalMailbox 进程内指令队列
type LocalMailbox struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]mailboxEntry
	now     func() time.Time
}

// NewLocalMailbox 创建进程内指令队列
func NewLocalMailbox(ttl time.Duration) *LocalMailbox {
	return &LocalMailbox{
		ttl:     ttl,
		entries: make(map[string]mailboxEntry),
		now:     time.Now,
	}
}

// Put 写入指令
func (m *LocalMailbox) Put(_ context.Context, cmd models.GateCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[cmd.TagID] = mailboxEntry{cmd: cmd, expires: m.now().Add(m.ttl)}
	return nil
}

// Take 取出并删除指令，没有或已过期时返回 nil, nil
func (m *LocalMailbox) Take(_ context.Context, tagID string) (*models.GateCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[tagID]
	if !ok {
		return nil, nil
	}
	delete(m.entries, tagID)
	if !m.now().Before(entry.expires) {
		return nil, nil
	}
	return &entry.cmd, nil
}
