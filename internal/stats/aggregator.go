package stats

import (
	"math"
	"sync"
	"time"

	"hl-maker-bot/internal/gateway"
)

// HourlyWindow is the length of the rolling hourly stats window.
const HourlyWindow = time.Hour

type TradingStats struct {
	MakerCount  int       `json:"maker_count"`
	TakerCount  int       `json:"taker_count"`
	TotalFees   float64   `json:"total_fees"`
	RealizedPnL float64   `json:"realized_pnl"`
	Volume      float64   `json:"volume"`
	PointsRate  float64   `json:"points_rate"`
	WindowStart time.Time `json:"window_start,omitempty"`
}

func (s TradingStats) Trades() int {
	return s.MakerCount + s.TakerCount
}

func (s *TradingStats) add(trade gateway.Trade) {
	if trade.Maker {
		s.MakerCount++
	} else {
		s.TakerCount++
	}
	s.TotalFees += math.Abs(trade.Commission)
	s.RealizedPnL += trade.RealizedPnL
	s.Volume += trade.QuoteQuantity()
	s.PointsRate = PointsRate(s.TotalFees, s.RealizedPnL, s.Volume)
}

// PointsRate is the cost paid per unit of notional traded: fees plus realized
// losses (gains do not offset fees), divided by volume.
func PointsRate(fees, realizedPnL, volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	cost := fees
	if realizedPnL < 0 {
		cost -= realizedPnL
	}
	return cost / volume
}

// Aggregator accumulates confirmed trade executions into lifetime totals and a
// rolling hourly window.
type Aggregator struct {
	now func() time.Time

	mu     sync.Mutex
	total  TradingStats
	hourly TradingStats
}

func New() *Aggregator {
	return newAggregator(time.Now)
}

func newAggregator(now func() time.Time) *Aggregator {
	return &Aggregator{
		now:    now,
		hourly: TradingStats{WindowStart: now()},
	}
}

// Restore seeds the lifetime totals, typically from persisted state.
func (a *Aggregator) Restore(total TradingStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total.WindowStart = time.Time{}
	total.PointsRate = PointsRate(total.TotalFees, total.RealizedPnL, total.Volume)
	a.total = total
}

func (a *Aggregator) Record(trade gateway.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total.add(trade)
	a.hourly.add(trade)
}

// Snapshot returns the lifetime and current hourly stats. When the hourly
// window has run for more than HourlyWindow it is reset, and the values it held
// before the reset are returned as exported. exported is nil otherwise.
func (a *Aggregator) Snapshot() (total, hourly TradingStats, exported *TradingStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if now.Sub(a.hourly.WindowStart) > HourlyWindow {
		prev := a.hourly
		exported = &prev
		a.hourly = TradingStats{WindowStart: now}
	}
	return a.total, a.hourly, exported
}
