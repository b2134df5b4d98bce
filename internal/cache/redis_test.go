package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedis_GetSetDel(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, r.Del(ctx, "k"))
	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoError(t, r.Del(ctx))
}

func TestRedis_Swap(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := r.Swap(ctx, "dev", "c1", time.Minute)
	assert.ErrorIs(t, err, ErrMiss)

	old, err := r.Swap(ctx, "dev", "c2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "c1", old)

	got, err := r.Get(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "c2", got)
}

func TestRedis_ExpireAndTTL(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.Expire(ctx, "absent", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", "v", time.Second))
	ok, err = r.Expire(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("k"))

	mr.FastForward(2 * time.Hour)
	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_CompareAndDelete(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", "mine", 0))

	deleted, err := r.CompareAndDelete(ctx, "k", "theirs")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = r.CompareAndDelete(ctx, "k", "mine")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_Incr(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	n, err := r.Incr(ctx, "gen", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.Incr(ctx, "gen", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Hour, mr.TTL("gen"))
}

func TestRedis_SetIfEqual(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.SetIfEqual(ctx, "gen", "", "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a missing guard matches the empty string")
	assert.Equal(t, time.Minute, mr.TTL("k"))

	_, err = r.Incr(ctx, "gen", 0)
	require.NoError(t, err)

	ok, err = r.SetIfEqual(ctx, "gen", "", "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	ok, err = r.SetIfEqual(ctx, "gen", "1", "k", "v3", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v3", got)
	assert.Zero(t, mr.TTL("k"))
}

func TestRedis_KeysAndSets(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "user-device-1-a", "c1", 0))
	require.NoError(t, r.Set(ctx, "user-device-1-b", "c2", 0))
	require.NoError(t, r.Set(ctx, "user-device-2-a", "c3", 0))

	keys, err := r.Keys(ctx, "user-device-1-*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"user-device-1-a", "user-device-1-b"}, keys)

	require.NoError(t, r.AddToSet(ctx, "idx", "a", "b"))
	require.NoError(t, r.RemoveFromSet(ctx, "idx", "a"))
	members, err := r.SetMembers(ctx, "idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestRedis_BackendDown(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}
