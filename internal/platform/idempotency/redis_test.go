package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client)
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_ReserveLifecycle(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	res, err := store.Reserve(ctx, "key-1", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)
	assert.True(t, mr.Exists(store.redisKey("key-1", "fp-1")))

	res, err = store.Reserve(ctx, "key-1", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStatePending, res.State)

	_, err = store.Reserve(ctx, "key-1", "fp-other", fixedTime, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	header := http.Header{"Content-Type": {"application/json"}, "Content-Length": {"11"}}
	err = store.SaveResponse(ctx, "key-1", "fp-1", Response{Status: http.StatusCreated, Headers: header, Body: []byte(`{"ok":true}`)}, fixedTime, time.Hour)
	require.NoError(t, err)

	res, err = store.Reserve(ctx, "key-1", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateCompleted, res.State)
	assert.Equal(t, http.StatusCreated, res.Record.ResponseStatus)
	assert.Equal(t, `{"ok":true}`, string(res.Record.ResponseBody))
	assert.Equal(t, []string{"application/json"}, res.Record.ResponseHeaders["Content-Type"])
	assert.NotContains(t, res.Record.ResponseHeaders, "Content-Length")
}

func TestRedisStore_ExpiryFreesKey(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "key-2", "fp-1", fixedTime, time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	res, err := store.Reserve(ctx, "key-2", "fp-2", fixedTime.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)
	assert.Equal(t, "fp-2", res.Record.Fingerprint)
}

func TestRedisStore_ReleaseAndSaveMismatch(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "key-3", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)

	err = store.SaveResponse(ctx, "key-3", "fp-2", Response{Status: http.StatusOK}, fixedTime, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	require.NoError(t, store.Release(ctx, "key-3", "fp-1"))
	assert.False(t, mr.Exists(store.redisKey("key-3", "fp-1")))

	removed, err := store.CleanupExpired(ctx, fixedTime, 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
