package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCreationLimiter_Window(t *testing.T) {
	rl := NewClientCreationLimiterWithConfig(3, time.Hour, 100, nil)
	defer rl.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.True(t, rl.allow("10.0.0.1", now), "creation %d", i+1)
	}
	assert.False(t, rl.allow("10.0.0.1", now), "fourth creation in the window must be refused")
	assert.True(t, rl.allow("10.0.0.2", now), "other IPs are independent")

	// Once the window slides past the first creations they stop counting.
	assert.True(t, rl.allow("10.0.0.1", now.Add(time.Hour+time.Second)))

	stats := rl.GetStats()
	assert.Equal(t, int64(1), stats.TotalBlocked)
	assert.Equal(t, int64(5), stats.TotalAllowed)
	assert.Equal(t, 2, stats.TrackedIPs)
}

func TestClientCreationLimiter_EmptyIPAndNil(t *testing.T) {
	rl := NewClientCreationLimiterWithConfig(1, time.Hour, 10, nil)
	defer rl.Stop()

	ctx := context.Background()
	assert.True(t, rl.Allow(ctx, ""))
	assert.True(t, rl.Allow(ctx, ""))

	var nilLimiter *ClientCreationLimiter
	assert.True(t, nilLimiter.Allow(ctx, "10.0.0.1"))
	nilLimiter.Stop()
}

func TestClientCreationLimiter_Eviction(t *testing.T) {
	rl := NewClientCreationLimiterWithConfig(1, time.Hour, 2, nil)
	defer rl.Stop()

	now := time.Now()
	rl.allow("a", now)
	rl.allow("b", now)
	rl.allow("c", now)

	assert.Equal(t, 2, rl.GetStats().TrackedIPs)
	// "a" was evicted and starts over.
	assert.True(t, rl.allow("a", now))
}

func TestClientCreationLimiter_Defaults(t *testing.T) {
	rl := NewClientCreationLimiterWithConfig(0, 0, -1, nil)
	defer rl.Stop()

	stats := rl.GetStats()
	assert.Equal(t, DefaultMaxClientCreationsPerHour, stats.MaxPerWindow)
	assert.Equal(t, DefaultClientCreationWindow, stats.Window)
	assert.Equal(t, DefaultClientCreationMaxEntries, rl.maxEntries)
}
