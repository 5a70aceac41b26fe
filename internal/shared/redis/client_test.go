package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)
}

func TestGetSetDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k", "also-missing"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrWindow_SetsExpiryOnce(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	count, ttl, err := c.IncrWindow(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(20 * time.Second)

	count, ttl, err = c.IncrWindow(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 40*time.Second, ttl, "second increment must not extend the window")

	mr.FastForward(41 * time.Second)

	count, _, err = c.IncrWindow(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired window starts over")
}

func TestIncrWindow_Concurrent(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	seen := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			count, _, err := c.IncrWindow(ctx, "rl:concurrent", time.Minute)
			assert.NoError(t, err)
			seen[i] = count
		}(i)
	}
	wg.Wait()

	unique := make(map[int64]bool)
	for _, v := range seen {
		unique[v] = true
	}
	assert.Len(t, unique, n, "every increment observes a distinct count")
}

func TestIncrWindow_StoreDown(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	_, _, err := c.IncrWindow(context.Background(), "rl", time.Minute)
	assert.Error(t, err)
}

func TestRecordUsage(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.RecordUsage(ctx, "usage:acme", "usage:acme:202601011200", "GET /api/v1/users", 1, time.Hour))
	require.NoError(t, c.RecordUsage(ctx, "usage:acme", "usage:acme:202601011200", "GET /api/v1/users", 1, time.Hour))

	assert.Equal(t, "2", mr.HGet("usage:acme", "GET /api/v1/users"))
	assert.Equal(t, "2", mr.HGet("usage:acme:202601011200", "GET /api/v1/users"))
	assert.Equal(t, time.Hour, mr.TTL("usage:acme:202601011200"))
	assert.Equal(t, time.Duration(0), mr.TTL("usage:acme"))
}
