package engine

import (
	"time"

	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/ratelimit"
	"hl-maker-bot/internal/stats"
	"hl-maker-bot/internal/strategy"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Snapshot is the read-only state published on every emit. It shares no
// memory with the engine.
type Snapshot struct {
	Ready         bool                      `json:"ready"`
	Symbol        string                    `json:"symbol"`
	Variant       string                    `json:"variant"`
	Bid           float64                   `json:"bid"`
	Ask           float64                   `json:"ask"`
	Spread        float64                   `json:"spread"`
	Position      strategy.PositionSnapshot `json:"position"`
	RealizedPnL   float64                   `json:"realized_pnl"`
	UnrealizedPnL float64                   `json:"unrealized_pnl"`
	SessionVolume float64                   `json:"session_volume"`
	OpenOrders    []gateway.Order           `json:"open_orders"`
	Desired       []strategy.DesiredOrder   `json:"desired_orders"`
	Logs          []LogEntry                `json:"logs"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	TotalStats    stats.TradingStats        `json:"total_stats"`
	HourlyStats   stats.TradingStats        `json:"hourly_stats"`
	RateLimit     ratelimit.State           `json:"rate_limit"`
	Locks         map[string]string         `json:"locks,omitempty"`
}

type AlertKind string

const (
	AlertStopLoss      AlertKind = "stop_loss"
	AlertForcedExit    AlertKind = "forced_exit"
	AlertPaused        AlertKind = "rate_limit_pause"
	AlertGuardRejected AlertKind = "guard_rejected"
)

type Alert struct {
	Kind    AlertKind
	Symbol  string
	Message string
	Time    time.Time
}

// Snapshot builds the current projection. Reading it may roll the hourly
// stats window, in which case the finished window is published on EventHourly.
func (e *Engine) Snapshot() Snapshot {
	total, hourly, exported := e.stats.Snapshot()
	if exported != nil {
		e.log.Info("hourly trading stats",
			zap.Time("window_start", exported.WindowStart),
			zap.Int("maker", exported.MakerCount),
			zap.Int("taker", exported.TakerCount),
			zap.Float64("fees", exported.TotalFees),
			zap.Float64("realized_pnl", exported.RealizedPnL),
			zap.Float64("volume", exported.Volume),
			zap.Float64("points_rate", exported.PointsRate),
		)
		e.bus.Publish(EventHourly, *exported)
	}

	e.mu.Lock()
	snap := Snapshot{
		Ready:         e.account != nil && e.depth != nil,
		Symbol:        e.cfg.Symbol,
		Variant:       e.variant.Name(),
		RealizedPnL:   e.sessionRealized,
		SessionVolume: e.sessionVolume,
		OpenOrders:    append([]gateway.Order(nil), e.openOrders...),
		Desired:       append([]strategy.DesiredOrder(nil), e.desired...),
		Logs:          e.logs.entries(),
		UpdatedAt:     e.lastUpdate,
		TotalStats:    total,
		HourlyStats:   hourly,
	}
	if e.depth != nil {
		if lvl, ok := e.depth.BestBid(); ok {
			snap.Bid = lvl.Price
		}
		if lvl, ok := e.depth.BestAsk(); ok {
			snap.Ask = lvl.Price
		}
	}
	var pos gateway.Position
	if e.account != nil {
		pos = e.account.Position(e.cfg.Symbol)
	}
	snap.Position = strategy.NewPositionSnapshot(pos, e.ticker.MarkPrice)
	e.mu.Unlock()

	if snap.Bid > 0 && snap.Ask > 0 {
		snap.Spread = snap.Ask - snap.Bid
	}
	snap.UnrealizedPnL = strategy.UnrealizedPnL(snap.Position, snap.Bid, snap.Ask)
	snap.RateLimit = e.limiter.State()
	snap.Locks = e.coord.Locks().Snapshot()
	return snap
}

func (e *Engine) emit() {
	e.bus.Publish(EventUpdate, e.Snapshot())
}

func (e *Engine) alert(kind AlertKind, msg string) {
	e.bus.Publish(EventAlert, Alert{Kind: kind, Symbol: e.cfg.Symbol, Message: msg, Time: e.now()})
}

// note logs through zap and keeps the message in the snapshot log ring.
func (e *Engine) note(level zapcore.Level, msg string, fields ...zap.Field) {
	if ce := e.log.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
	e.mu.Lock()
	e.logs.add(LogEntry{Time: e.now(), Level: level.String(), Message: msg})
	e.mu.Unlock()
}

type logRing struct {
	buf  []LogEntry
	next int
	full bool
}

func newLogRing(size int) *logRing {
	if size <= 0 {
		size = 200
	}
	return &logRing{buf: make([]LogEntry, size)}
}

func (r *logRing) add(entry LogEntry) {
	r.buf[r.next] = entry
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// entries returns the buffered entries oldest first.
func (r *logRing) entries() []LogEntry {
	if !r.full {
		return append([]LogEntry(nil), r.buf[:r.next]...)
	}
	out := make([]LogEntry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
