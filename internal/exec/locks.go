package exec

import (
	"math"
	"sync"
	"time"

	"hl-maker-bot/internal/gateway"

	"go.uber.org/zap"
)

const (
	CategoryLimit       = "LIMIT"
	CategoryMarket      = "MARKET"
	CategoryMarketClose = "MARKET_CLOSE"
)

// Timer is a fire-once scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. Tests swap in a manual scheduler.
type Scheduler func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type categoryState struct {
	pendingID string
	timer     Timer
	gen       uint64

	// Set when the order filled inside the request: the lock is held until an
	// account push moves the position away from base.
	awaitFill bool
	base      float64
}

const positionEpsilon = 1e-9

// Locks is the per-engine table of order categories that have a mutation in
// flight. A category is busy from Acquire until Release, which happens on
// confirmation, explicit failure, or safety-timer expiry.
type Locks struct {
	timeout  time.Duration
	schedule Scheduler
	log      *zap.Logger

	mu      sync.Mutex
	gen     uint64
	entries map[string]*categoryState
}

func NewLocks(timeout time.Duration, log *zap.Logger) *Locks {
	return newLocks(timeout, log, afterFunc)
}

func newLocks(timeout time.Duration, log *zap.Logger, schedule Scheduler) *Locks {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Locks{
		timeout:  timeout,
		schedule: schedule,
		log:      log,
		entries:  make(map[string]*categoryState),
	}
}

// Acquire marks category busy and arms its safety timer. It returns false when
// the category is already held.
func (l *Locks) Acquire(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.entries[category]; busy {
		return false
	}
	l.gen++
	gen := l.gen
	st := &categoryState{gen: gen}
	st.timer = l.schedule(l.timeout, func() { l.expire(category, gen) })
	l.entries[category] = st
	return true
}

// Release clears the busy flag, the pending id and the timer together.
func (l *Locks) Release(category string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(category)
}

func (l *Locks) SetPending(category, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.entries[category]; ok {
		st.pendingID = orderID
	}
}

// AwaitPosition keeps category held until ResolvePosition sees a position
// different from base.
func (l *Locks) AwaitPosition(category string, base float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.entries[category]; ok {
		st.awaitFill = true
		st.base = base
	}
}

func (l *Locks) Pending(category string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.entries[category]; ok {
		return st.pendingID
	}
	return ""
}

func (l *Locks) Busy(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[category]
	return ok
}

// Snapshot returns the busy categories and their pending ids.
func (l *Locks) Snapshot() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.entries))
	for category, st := range l.entries {
		out[category] = st.pendingID
	}
	return out
}

// Resolve releases every category whose pending order is absent from the
// order-stream snapshot or no longer active in it.
func (l *Locks) Resolve(orders []gateway.Order) []string {
	byID := make(map[string]gateway.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var released []string
	for category, st := range l.entries {
		if st.pendingID == "" || st.awaitFill {
			continue
		}
		o, ok := byID[st.pendingID]
		if ok && o.Status.Active() {
			continue
		}
		l.releaseLocked(category)
		released = append(released, category)
	}
	return released
}

// ResolvePosition releases every category waiting on a fill once the pushed
// position differs from the one seen at submission.
func (l *Locks) ResolvePosition(amount float64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var released []string
	for category, st := range l.entries {
		if !st.awaitFill || math.Abs(amount-st.base) <= positionEpsilon {
			continue
		}
		l.releaseLocked(category)
		released = append(released, category)
	}
	return released
}

func (l *Locks) expire(category string, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.entries[category]
	if !ok || st.gen != gen {
		return
	}
	l.log.Warn("order lock timed out, releasing",
		zap.String("category", category),
		zap.String("pending_id", st.pendingID),
		zap.Duration("timeout", l.timeout),
	)
	delete(l.entries, category)
}

func (l *Locks) releaseLocked(category string) {
	st, ok := l.entries[category]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(l.entries, category)
}
