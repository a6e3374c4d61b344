package ratelimit

import (
	"sync"
	"time"

	"hl-maker-bot/internal/config"

	"go.uber.org/zap"
)

type State string

const (
	StateNormal   State = "normal"
	StateDegraded State = "degraded"
	StatePaused   State = "paused"
)

type Decision string

const (
	DecisionRun    Decision = "run"
	DecisionSkip   Decision = "skip"
	DecisionPaused Decision = "paused"
)

const (
	DefaultPause    = 30 * time.Second
	DefaultRecovery = 60 * time.Second
)

// Controller throttles the engine cycle when the exchange reports overload.
// One overload episode walks normal -> degraded -> paused; the way back is
// paused -> degraded -> normal, one step per recovery condition.
type Controller struct {
	base     time.Duration
	pause    time.Duration
	recovery time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu            sync.Mutex
	state         State
	pausedUntil   time.Time
	lastRateLimit time.Time
	lastCycle     time.Time
	blockEntries  bool
}

func New(base time.Duration, cfg config.RateLimitConfig, log *zap.Logger) *Controller {
	return newController(base, cfg, log, time.Now)
}

func newController(base time.Duration, cfg config.RateLimitConfig, log *zap.Logger, now func() time.Time) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	pause := cfg.PauseDuration
	if pause <= 0 {
		pause = DefaultPause
	}
	recovery := cfg.RecoveryDuration
	if recovery <= 0 {
		recovery = DefaultRecovery
	}
	return &Controller{
		base:     base,
		pause:    pause,
		recovery: recovery,
		now:      now,
		log:      log,
		state:    StateNormal,
	}
}

// BeforeCycle decides whether the caller may run a cycle now.
func (c *Controller) BeforeCycle() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.state == StatePaused {
		if now.Before(c.pausedUntil) {
			return DecisionPaused
		}
		c.state = StateDegraded
		c.log.Info("rate limit pause elapsed", zap.String("state", string(c.state)))
	}
	if !c.lastCycle.IsZero() && now.Sub(c.lastCycle) < c.intervalLocked() {
		return DecisionSkip
	}
	c.lastCycle = now
	return DecisionRun
}

func (c *Controller) RegisterRateLimit(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.lastRateLimit = now
	c.blockEntries = true
	switch c.state {
	case StateNormal:
		c.state = StateDegraded
		c.log.Warn("rate limited, degrading cadence",
			zap.String("source", source),
			zap.Duration("interval", c.intervalLocked()),
		)
	case StateDegraded:
		c.state = StatePaused
		c.pausedUntil = now.Add(c.pause)
		c.log.Warn("rate limited again, pausing",
			zap.String("source", source),
			zap.Time("paused_until", c.pausedUntil),
		)
	case StatePaused:
		c.pausedUntil = now.Add(c.pause)
		c.log.Warn("rate limited while paused, extending pause",
			zap.String("source", source),
			zap.Time("paused_until", c.pausedUntil),
		)
	}
}

func (c *Controller) OnCycleComplete(hadRateLimit bool) {
	if hadRateLimit {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDegraded:
		if c.now().Sub(c.lastRateLimit) >= c.recovery {
			c.state = StateNormal
			c.blockEntries = false
			c.log.Info("rate limit recovered", zap.String("state", string(c.state)))
		}
	case StateNormal:
		c.blockEntries = false
	}
}

// ShouldBlockEntries reports whether position-opening orders must be held back.
// Closing orders are never blocked.
func (c *Controller) ShouldBlockEntries() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockEntries || c.state == StatePaused
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervalLocked()
}

func (c *Controller) PausedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return time.Time{}
	}
	return c.pausedUntil
}

func (c *Controller) intervalLocked() time.Duration {
	if c.state == StateNormal {
		return c.base
	}
	return 2 * c.base
}
