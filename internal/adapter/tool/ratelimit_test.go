package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensei/internal/domain"
)

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiter_ZeroLimit(t *testing.T) {
	assert.False(t, NewRateLimiter(0, time.Minute).Allow())
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow()) // t=0
	now = now.Add(30 * time.Second)
	require.True(t, rl.Allow()) // t=30s

	now = now.Add(31 * time.Second) // t=61s, first call expired
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "t=30s and t=61s are still in the window")
}

func TestLimit(t *testing.T) {
	backend := &fakeBackend{stdout: "up 1 day"}
	limited := Limit(NewSystemTool(backend, 0, nil), 1, time.Minute)

	_, isParam := limited.(Parameterized)
	assert.True(t, isParam, "schema survives wrapping")
	assert.Equal(t, "system_diagnostic", limited.Name())

	out, err := limited.Execute(context.Background(), "uptime")
	require.NoError(t, err)
	assert.Equal(t, "up 1 day", out)

	_, err = limited.Execute(context.Background(), "uptime")
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Len(t, backend.calls, 1)
}

func TestLimit_Disabled(t *testing.T) {
	tl := NewSystemTool(&fakeBackend{}, 0, nil)
	assert.Same(t, tl, Limit(tl, 0, time.Minute))
}
