package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/langchou/parkgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestLocalCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewLocalCooldown(3 * time.Second)
	c.now = clock.now
	ctx := context.Background()

	ok, err := c.Allow(ctx, "T1", models.StationEntrance)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.Allow(ctx, "T1", models.StationEntrance)
	assert.False(t, ok)

	// 不同采集站互不影响
	ok, _ = c.Allow(ctx, "T1", models.StationExit)
	assert.True(t, ok)

	clock.t = clock.t.Add(3 * time.Second)
	ok, _ = c.Allow(ctx, "T1", models.StationEntrance)
	assert.True(t, ok)
}

func TestLocalMailbox(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := NewLocalMailbox(time.Minute)
	m.now = clock.now
	ctx := context.Background()

	cmd := models.GateCommand{Action: models.GateOpen, TagID: "T1", Station: models.StationExit}
	require.NoError(t, m.Put(ctx, cmd))

	got, err := m.Take(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cmd, *got)

	got, err = m.Take(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.Put(ctx, cmd))
	clock.t = clock.t.Add(2 * time.Minute)
	got, err = m.Take(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewRedisClientWithoutAddr(t *testing.T) {
	assert.Nil(t, NewRedisClient(context.Background(), "", "", 0))
}

// 设置 TEST_REDIS_ADDR 时针对真实 Redis 运行
func TestRedisBackends(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := NewRedisClient(ctx, addr, "", 0)
	require.NotNil(t, client)
	defer client.Close()

	tag := "test-" + uuid.NewString()

	cd := NewRedisCooldown(client, time.Second)
	ok, err := cd.Allow(ctx, tag, models.StationEntrance)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cd.Allow(ctx, tag, models.StationEntrance)
	require.NoError(t, err)
	assert.False(t, ok)

	mb := NewRedisMailbox(client, time.Minute)
	cmd := models.GateCommand{Action: models.GateHold, Reason: "payment required", TagID: tag, IssuedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, mb.Put(ctx, cmd))
	got, err := mb.Take(ctx, tag)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cmd, *got)

	got, err = mb.Take(ctx, tag)
	require.NoError(t, err)
	assert.Nil(t, got)
}
