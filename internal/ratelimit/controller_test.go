package ratelimit

import (
	"testing"
	"time"

	"hl-maker-bot/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestController(base time.Duration) (*Controller, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := config.RateLimitConfig{PauseDuration: 30 * time.Second, RecoveryDuration: 60 * time.Second}
	return newController(base, cfg, nil, clock.Now), clock
}

func TestEscalation(t *testing.T) {
	c, clock := newTestController(time.Second)
	require.Equal(t, StateNormal, c.State())
	require.Equal(t, time.Second, c.Interval())

	c.RegisterRateLimit("place")
	assert.Equal(t, StateDegraded, c.State())
	assert.Equal(t, 2*time.Second, c.Interval())
	assert.True(t, c.ShouldBlockEntries())

	c.RegisterRateLimit("cancel")
	assert.Equal(t, StatePaused, c.State())
	assert.Equal(t, clock.Now().Add(30*time.Second), c.PausedUntil())
	assert.Equal(t, 2*time.Second, c.Interval())

	clock.Advance(10 * time.Second)
	c.RegisterRateLimit("close")
	assert.Equal(t, StatePaused, c.State())
	assert.Equal(t, clock.Now().Add(30*time.Second), c.PausedUntil())
}

func TestPauseDemotesToDegradedNotNormal(t *testing.T) {
	c, clock := newTestController(time.Second)
	c.RegisterRateLimit("a")
	c.RegisterRateLimit("b")

	assert.Equal(t, DecisionPaused, c.BeforeCycle())
	clock.Advance(29 * time.Second)
	assert.Equal(t, DecisionPaused, c.BeforeCycle())

	clock.Advance(time.Second)
	assert.Equal(t, DecisionRun, c.BeforeCycle())
	assert.Equal(t, StateDegraded, c.State())
	assert.True(t, c.ShouldBlockEntries())
}

func TestBeforeCycleSkipsWithinInterval(t *testing.T) {
	c, clock := newTestController(time.Second)
	require.Equal(t, DecisionRun, c.BeforeCycle())

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, DecisionSkip, c.BeforeCycle())

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, DecisionRun, c.BeforeCycle())

	c.RegisterRateLimit("place")
	clock.Advance(time.Second)
	assert.Equal(t, DecisionSkip, c.BeforeCycle())
	clock.Advance(time.Second)
	assert.Equal(t, DecisionRun, c.BeforeCycle())
}

func TestRecoveryAfterQuietWindow(t *testing.T) {
	c, clock := newTestController(time.Second)
	c.RegisterRateLimit("place")

	clock.Advance(59 * time.Second)
	c.OnCycleComplete(false)
	assert.Equal(t, StateDegraded, c.State())

	clock.Advance(time.Second)
	c.OnCycleComplete(true)
	assert.Equal(t, StateDegraded, c.State())

	c.OnCycleComplete(false)
	assert.Equal(t, StateNormal, c.State())
	assert.False(t, c.ShouldBlockEntries())
}

func TestNormalClearsStaleSuppression(t *testing.T) {
	c, _ := newTestController(time.Second)
	c.mu.Lock()
	c.blockEntries = true
	c.mu.Unlock()

	require.True(t, c.ShouldBlockEntries())
	c.OnCycleComplete(false)
	assert.False(t, c.ShouldBlockEntries())
}

func TestDefaultsApplied(t *testing.T) {
	c := New(time.Second, config.RateLimitConfig{}, nil)
	assert.Equal(t, DefaultPause, c.pause)
	assert.Equal(t, DefaultRecovery, c.recovery)
}
