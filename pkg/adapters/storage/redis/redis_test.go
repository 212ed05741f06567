package redis

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

func newTestStore(t *testing.T, namespace string, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, namespace, ttl, nil), mr
}

func TestStoreSetGetDelete(t *testing.T) {
	store, mr := newTestStore(t, "session", 0)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "tab-1", "sid-abc"))
	raw, err := mr.Get("comfyrt:session:tab-1")
	require.NoError(t, err)
	assert.Equal(t, "sid-abc", raw)

	v, ok, err := store.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sid-abc", v)

	require.NoError(t, store.Delete(ctx, "tab-1"))
	_, ok, err = store.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreTTL(t *testing.T) {
	store, mr := newTestStore(t, "window", time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "tab-1", "sid"))
	assert.Equal(t, time.Hour, mr.TTL("comfyrt:window:tab-1"))

	require.NoError(t, store.SetTTL(ctx, "tab-1", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("comfyrt:window:tab-1"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := store.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreListScopedToNamespace(t *testing.T) {
	store, mr := newTestStore(t, "session", 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "b", "2"))
	require.NoError(t, mr.Set("comfyrt:window:c", "3"))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestStoreReportsConnectionErrors(t *testing.T) {
	store, mr := newTestStore(t, "session", 0)
	mr.Close()

	_, _, err := store.Get(context.Background(), "tab-1")
	assert.Error(t, err)
	assert.Error(t, store.Set(context.Background(), "tab-1", "x"))
}
