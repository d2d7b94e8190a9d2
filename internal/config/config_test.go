package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "4000", cfg.ServerPort)
	assert.Equal(t, 30*time.Second, cfg.CaptureTimeout)
	assert.Equal(t, 3*time.Second, cfg.CaptureCooldown)
	assert.Equal(t, 10*time.Second, cfg.OCRTimeout)
	assert.Equal(t, 0.75, cfg.MatchThreshold)
	assert.Equal(t, 0.6, cfg.ConsistencyThreshold)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.True(t, cfg.ExpireOnCheck)
}

func TestLoadDefaultTimezone(t *testing.T) {
	t.Setenv("TIMEZONE", "")
	t.Setenv("ZONEINFO", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.Timezone)
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.Location.String())

	_, offset := time.Date(2026, 1, 1, 12, 0, 0, 0, cfg.Location).Zone()
	assert.Equal(t, 7*3600, offset)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("PORT", "8080")
	t.Setenv("CAPTURE_TIMEOUT", "45s")
	t.Setenv("MATCH_THRESHOLD", "0.8")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("EXPIRE_ON_CHECK", "false")
	t.Setenv("OCR_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 45*time.Second, cfg.CaptureTimeout)
	assert.Equal(t, 0.8, cfg.MatchThreshold)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.False(t, cfg.ExpireOnCheck)
	assert.Equal(t, 10*time.Second, cfg.OCRTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TIMEZONE", "Mars/Olympus_Mons")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("CONSISTENCY_THRESHOLD", "1.5")
	_, err = Load()
	assert.Error(t, err)
}
