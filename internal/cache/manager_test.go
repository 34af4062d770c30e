package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T, interval time.Duration) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(context.Background(), Config{
		Addr:                mr.Addr(),
		HealthCheckInterval: interval,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager(t *testing.T) {
	_, manager := setupTestRedis(t, 0)

	assert.NotNil(t, manager.Client())
	assert.True(t, manager.Healthy())
	require.NoError(t, manager.Ping(context.Background()))
}

func TestNewManager_Unreachable(t *testing.T) {
	_, err := NewManager(context.Background(), Config{Addr: "127.0.0.1:1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestManager_ClientSharesConnection(t *testing.T) {
	mr, manager := setupTestRedis(t, 0)

	require.NoError(t, manager.Client().Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestManager_Close(t *testing.T) {
	_, manager := setupTestRedis(t, 0)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
	assert.False(t, manager.Healthy())
}

func TestManager_HealthCheckTracksOutage(t *testing.T) {
	mr, manager := setupTestRedis(t, 10*time.Millisecond)

	mr.SetError("LOADING")
	assert.Eventually(t, func() bool { return !manager.Healthy() }, time.Second, 5*time.Millisecond)

	mr.SetError("")
	assert.Eventually(t, manager.Healthy, time.Second, 5*time.Millisecond)
}
