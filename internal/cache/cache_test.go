package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	c := New(10)
	c.Put("fp1", []byte(`{"themes":[]}`), time.Hour)

	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"themes":[]}`), got)

	_, ok = c.Get("fp2")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := New(10).WithNow(func() time.Time { return now })
	c.Put("fp", []byte("payload"), time.Hour)

	_, ok := c.Get("fp")
	assert.True(t, ok)

	now = now.Add(2 * time.Hour)
	_, ok = c.Get("fp")
	assert.False(t, ok, "expired entries miss")

	stats := c.Stats()
	assert.Zero(t, stats.Size, "expired entry removed on access")
	assert.Equal(t, int64(1), stats.Expired)
}

func TestCache_LRUEviction(t *testing.T) {
	t.Parallel()

	c := New(3)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("fp%d", i), []byte{byte(i)}, time.Hour)
	}

	// Touch fp0 so fp1 becomes the eviction candidate.
	_, ok := c.Get("fp0")
	require.True(t, ok)

	c.Put("fp3", []byte{3}, time.Hour)

	_, ok = c.Get("fp1")
	assert.False(t, ok, "least recently used entry evicted")
	for _, fp := range []string{"fp0", "fp2", "fp3"} {
		_, ok := c.Get(fp)
		assert.True(t, ok, fp)
	}
	assert.Equal(t, 3, c.Stats().Size)
}

func TestCache_PutOverwriteRefreshes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := New(10).WithNow(func() time.Time { return now })
	c.Put("fp", []byte("old"), time.Hour)

	now = now.Add(50 * time.Minute)
	c.Put("fp", []byte("new"), time.Hour)

	now = now.Add(30 * time.Minute)
	got, ok := c.Get("fp")
	require.True(t, ok, "overwrite restarts the TTL")
	assert.Equal(t, []byte("new"), got)
	assert.Equal(t, 1, c.Stats().Size)
}

func TestCache_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := New(10).WithNow(func() time.Time { return now })
	c.Put("short", []byte("a"), time.Minute)
	c.Put("long", []byte("b"), time.Hour)

	now = now.Add(10 * time.Minute)
	purged := c.Sweep()
	assert.Equal(t, 1, purged)

	_, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Stats().Size)
}
