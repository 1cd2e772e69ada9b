package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
)

func TestLimiter_AllowsUpToMaxThenBlocks(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	l := New(t.TempDir(), 3, fake)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow()
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be allowed", i)
	}

	ok, err := l.Allow()
	require.NoError(t, err)
	assert.False(t, ok, "4th call in the same hour should be blocked")
}

func TestLimiter_ResetsOnHourBoundary(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 10, 59, 0, 0, time.UTC))
	l := New(t.TempDir(), 1, fake)

	ok, err := l.Allow()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow()
	require.NoError(t, err)
	assert.False(t, ok)

	fake.Advance(2 * time.Minute)
	ok, err = l.Allow()
	require.NoError(t, err)
	assert.True(t, ok, "new hour bucket should reset the count")
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	assert.Equal(t, time.Duration(0), Backoff(0, base, max))
	assert.Equal(t, base, Backoff(1, base, max))
	assert.Equal(t, 2*base, Backoff(2, base, max))
	assert.Equal(t, 4*base, Backoff(3, base, max))
	assert.Equal(t, max, Backoff(10, base, max))
}
