package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiresButKeepsStaleEntry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](WithClock(clk))

	c.Set("free", 5, time.Minute)
	v, ok := c.Get("free")
	require.True(t, ok)
	require.Equal(t, 5, v)

	clk.Advance(2 * time.Minute)
	_, ok = c.Get("free")
	require.False(t, ok)

	entry, ok := c.Peek("free")
	require.True(t, ok)
	require.Equal(t, 5, entry.Value)
	require.False(t, entry.Fresh(clk.Now()))
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewTTLCache[string, string](WithClock(clk))

	c.Set("k", "v", 0)
	clk.Advance(24 * time.Hour)
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestTTLCacheDeleteAndClear(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Set("c", 3, time.Minute)

	c.Delete("a", "b")
	require.Equal(t, 1, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())
}
