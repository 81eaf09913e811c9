package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pending struct {
	Nonce string `json:"nonce"`
}

func newClient(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisClient(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestSetGet(t *testing.T) {
	_, c := newClient(t)
	ctx := context.Background()

	require.NoError(t, Set(c, ctx, "k", pending{Nonce: "n1"}, time.Minute))

	got, found, err := Get[pending](c, ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n1", got.Nonce)

	_, found, err = Get[pending](c, ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetDel_ConsumesOnce(t *testing.T) {
	_, c := newClient(t)
	ctx := context.Background()

	require.NoError(t, Set(c, ctx, "state", pending{Nonce: "n1"}, time.Minute))

	got, found, err := GetDel[pending](c, ctx, "state")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n1", got.Nonce)

	_, found, err = GetDel[pending](c, ctx, "state")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetNX_AndExpiry(t *testing.T) {
	mr, c := newClient(t)
	ctx := context.Background()

	ok, err := SetNX(c, ctx, "lock", "1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = SetNX(c, ctx, "lock", "1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = SetNX(c, ctx, "lock", "1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, Del(c, ctx, "lock"))
	assert.False(t, mr.Exists("lock"))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(Config{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}
