package state

import (
	"context"
	"encoding/json"
	"strings"

	"hl-maker-bot/internal/stats"
)

// EngineSummary is the persisted subset of the last engine snapshot. It is
// kept for inspection only and is never fed back into the engine.
type EngineSummary struct {
	Symbol        string  `json:"symbol"`
	Variant       string  `json:"variant"`
	Ready         bool    `json:"ready"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Position      float64 `json:"position"`
	EntryPrice    float64 `json:"entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	SessionVolume float64 `json:"session_volume"`
	OpenOrders    int     `json:"open_orders"`
	RateLimit     string  `json:"rate_limit"`
	UpdatedAtMS   int64   `json:"updated_at_ms"`
}

func EngineSummaryKey(symbol string) string {
	return "engine:" + strings.ToUpper(symbol) + ":last_snapshot"
}

func LifetimeStatsKey(symbol string) string {
	return "stats:" + strings.ToUpper(symbol) + ":lifetime"
}

func LoadEngineSummary(ctx context.Context, store Store, symbol string) (EngineSummary, bool, error) {
	var summary EngineSummary
	ok, err := loadJSON(ctx, store, EngineSummaryKey(symbol), &summary)
	return summary, ok, err
}

func SaveEngineSummary(ctx context.Context, store Store, summary EngineSummary) error {
	return saveJSON(ctx, store, EngineSummaryKey(summary.Symbol), summary)
}

// LoadLifetimeStats returns the trading totals accumulated by earlier runs.
func LoadLifetimeStats(ctx context.Context, store Store, symbol string) (stats.TradingStats, bool, error) {
	var total stats.TradingStats
	ok, err := loadJSON(ctx, store, LifetimeStatsKey(symbol), &total)
	return total, ok, err
}

func SaveLifetimeStats(ctx context.Context, store Store, symbol string, total stats.TradingStats) error {
	return saveJSON(ctx, store, LifetimeStatsKey(symbol), total)
}

func loadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func saveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
