package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis server and returns a Redis store on top of it.
func setupTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return NewRedis(client, "cartsync:", ttl), mr
}

func TestRedis(t *testing.T) {
	store, _ := setupTestRedis(t, 0)
	exerciseStore(t, store)
}

func TestRedis_Prefix(t *testing.T) {
	store, mr := setupTestRedis(t, 0)

	require.NoError(t, store.Save(context.Background(), "cart:guest-1", []byte("payload")))

	got, err := mr.Get("cartsync:cart:guest-1")
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestRedis_TTL(t *testing.T) {
	store, mr := setupTestRedis(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "cart:guest-1", []byte("payload")))
	assert.Equal(t, time.Hour, mr.TTL("cartsync:cart:guest-1"))

	mr.FastForward(2 * time.Hour)

	_, err := store.Load(ctx, "cart:guest-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_NoTTL(t *testing.T) {
	store, mr := setupTestRedis(t, 0)

	require.NoError(t, store.Save(context.Background(), "cart:guest-1", []byte("payload")))
	assert.Equal(t, time.Duration(0), mr.TTL("cartsync:cart:guest-1"))
}

func TestRedis_ServerDown(t *testing.T) {
	store, mr := setupTestRedis(t, 0)
	mr.Close()

	_, err := store.Load(context.Background(), "cart:guest-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
