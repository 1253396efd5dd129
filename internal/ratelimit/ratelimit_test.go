package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/fanout/internal/testutil"
)

func newTestLimiter(clock *testutil.Clock) *Limiter {
	return New(map[string]Rule{
		"join":      {Window: 10 * time.Second, Ceiling: 2},
		"heartbeat": {Window: time.Second, Ceiling: 5},
	}, Rule{Window: time.Second, Ceiling: 3}, clock.Now)
}

func TestAdmitRejectsCeilingPlusOne(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("s1", "default"), "event %d", i+1)
	}
	assert.False(t, l.Allow("s1", "default"), "ceiling+1 must be rejected")
	assert.Equal(t, 3, l.Count("s1", "default"), "rejection must not increment")
	assert.False(t, l.Allow("s1", "default"))
	assert.Equal(t, 3, l.Count("s1", "default"))
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	l := newTestLimiter(clock)

	require.True(t, l.Allow("s1", "join"))
	require.True(t, l.Allow("s1", "join"))
	require.False(t, l.Allow("s1", "join"))

	clock.Advance(10 * time.Second)
	assert.False(t, l.Allow("s1", "join"), "reset happens only when now is strictly after resetAt")

	clock.Advance(time.Millisecond)
	assert.True(t, l.Allow("s1", "join"))
	assert.Equal(t, 1, l.Count("s1", "join"))
}

func TestClassesAreIndependent(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	l := newTestLimiter(clock)

	require.True(t, l.Allow("s1", "join"))
	require.True(t, l.Allow("s1", "join"))
	require.False(t, l.Allow("s1", "join"))

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("s1", "heartbeat"), "heartbeat has its own ceiling")
	}
	assert.True(t, l.Allow("s2", "join"), "sessions are independent")
}

func TestAllowNCost(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	l := newTestLimiter(clock)

	assert.True(t, l.AllowN("s1", "heartbeat", 4))
	assert.False(t, l.AllowN("s1", "heartbeat", 2))
	assert.Equal(t, 4, l.Count("s1", "heartbeat"))
	assert.True(t, l.AllowN("s1", "heartbeat", 1))
}

func TestNeverMoreThanCeilingPerWindow(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	l := newTestLimiter(clock)

	accepted := 0
	windowStart := clock.Now()
	for i := 0; i < 100; i++ {
		if clock.Now().Sub(windowStart) > time.Second {
			assert.LessOrEqual(t, accepted, 3)
			accepted = 0
			windowStart = clock.Now()
		}
		if l.Allow("s1", "default") {
			accepted++
		}
		clock.Advance(100 * time.Millisecond)
	}
	assert.LessOrEqual(t, accepted, 3)
}

func TestForgetAndSweep(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	l := newTestLimiter(clock)

	l.Allow("s1", "join")
	l.Allow("s2", "join")
	l.Forget("s1")
	assert.Equal(t, 0, l.Count("s1", "join"))
	assert.Equal(t, 1, l.Len())

	clock.Advance(4 * time.Minute)
	l.Allow("s3", "join")
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, l.Sweep(5*time.Minute))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 1, l.Count("s3", "join"))
}

func TestRuleFallbackAndSanitize(t *testing.T) {
	l := New(map[string]Rule{"broken": {}}, Rule{}, nil)

	assert.Equal(t, Rule{Window: time.Second, Ceiling: 1}, l.Rule("broken"))
	assert.Equal(t, Rule{Window: time.Second, Ceiling: 1}, l.Rule("unknown"))
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	l := New(map[string]Rule{"join": {Window: 10 * time.Minute, Ceiling: 1}}, Rule{}, clock.Now)

	assert.False(t, l.AllowN("s1", "join", 2), "cost above ceiling")
	assert.Equal(t, 0, l.Len(), "rejected first call must not create a window")

	require.True(t, l.Allow("s1", "join"))
	clock.Advance(4 * time.Minute)
	require.False(t, l.Allow("s1", "join"))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, l.Sweep(5*time.Minute), "rejected call must not refresh last-seen")
	assert.Equal(t, 0, l.Len())
}
