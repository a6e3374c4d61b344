package app

import (
	"time"

	"hl-maker-bot/internal/engine"
	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/stats"
	"hl-maker-bot/internal/timescale"
)

func (a *App) recordPosition(snap engine.Snapshot) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueuePosition(timescale.PositionSnapshot{
		Time:          time.Now().UTC(),
		Symbol:        snap.Symbol,
		Variant:       snap.Variant,
		RateLimit:     string(snap.RateLimit),
		Position:      snap.Position.Amount,
		EntryPrice:    snap.Position.EntryPrice,
		Bid:           snap.Bid,
		Ask:           snap.Ask,
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		SessionVolume: snap.SessionVolume,
		OpenOrders:    len(snap.OpenOrders),
	})
}

func (a *App) recordHourly(s stats.TradingStats) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueHourly(timescale.HourlyStats{
		WindowStart: s.WindowStart,
		Symbol:      a.cfg.Strategy.Symbol,
		MakerCount:  s.MakerCount,
		TakerCount:  s.TakerCount,
		TotalFees:   s.TotalFees,
		RealizedPnL: s.RealizedPnL,
		Volume:      s.Volume,
		PointsRate:  s.PointsRate,
	})
}

func (a *App) recordCandle(k gateway.Kline) {
	if a.timescale == nil || k.Symbol != a.cfg.Strategy.Symbol {
		return
	}
	start := k.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	interval := k.Interval
	if interval == "" {
		interval = a.cfg.Strategy.CandleInterval
	}
	a.timescale.EnqueueCandle(timescale.Candle{
		Symbol:   k.Symbol,
		Interval: interval,
		Start:    start,
		Open:     k.Open,
		High:     k.High,
		Low:      k.Low,
		Close:    k.Close,
		Volume:   k.Volume,
	})
}
