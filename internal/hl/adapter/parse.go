package adapter

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"hl-maker-bot/internal/gateway"
)

func decode(raw json.RawMessage) (map[string]any, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// parseBook reads an l2Book payload: levels[0] are bids, levels[1] asks,
// each level {px, sz, n}.
func parseBook(data map[string]any) (gateway.Depth, bool) {
	coin := stringFromMap(data, "coin")
	levels, ok := toSlice(data["levels"])
	if coin == "" || !ok || len(levels) < 2 {
		return gateway.Depth{}, false
	}
	return gateway.Depth{
		Symbol: coin,
		Bids:   parseLevels(levels[0]),
		Asks:   parseLevels(levels[1]),
		Time:   timeFromMillis(data["time"]),
	}, true
}

func parseLevels(v any) []gateway.Level {
	items, _ := toSlice(v)
	out := make([]gateway.Level, 0, len(items))
	for _, item := range items {
		lvl, ok := toMap(item)
		if !ok {
			continue
		}
		px := floatFromMap(lvl, "px")
		sz := floatFromMap(lvl, "sz")
		if px <= 0 {
			continue
		}
		out = append(out, gateway.Level{Price: px, Quantity: sz})
	}
	return out
}

func parseAssetCtx(data map[string]any) (gateway.Ticker, bool) {
	coin := stringFromMap(data, "coin")
	ctx, ok := toMap(data["ctx"])
	if coin == "" || !ok {
		return gateway.Ticker{}, false
	}
	mid := floatFromMap(ctx, "midPx")
	return gateway.Ticker{
		Symbol:    coin,
		LastPrice: mid,
		MarkPrice: floatFromMap(ctx, "markPx"),
		MidPrice:  mid,
		Volume24h: floatFromMap(ctx, "dayNtlVlm"),
		Time:      time.Now(),
	}, true
}

func parseCandle(data map[string]any) (gateway.Kline, bool) {
	coin := stringFromMap(data, "s", "coin")
	if coin == "" {
		return gateway.Kline{}, false
	}
	return gateway.Kline{
		Symbol:   coin,
		Interval: stringFromMap(data, "i", "interval"),
		Start:    timeFromMillis(data["t"]),
		Open:     floatFromMap(data, "o"),
		High:     floatFromMap(data, "h"),
		Low:      floatFromMap(data, "l"),
		Close:    floatFromMap(data, "c"),
		Volume:   floatFromMap(data, "v"),
	}, true
}

// parseWebData2 splits the combined user snapshot into the account view and
// the full open-order list.
func parseWebData2(data map[string]any) (gateway.Account, []gateway.Order, bool) {
	state, ok := toMap(data["clearinghouseState"])
	if !ok {
		return gateway.Account{}, nil, false
	}
	acc := gateway.Account{
		Withdrawable: floatFromMap(state, "withdrawable"),
		UpdatedAt:    timeFromMillis(state["time"]),
	}
	if summary, ok := toMap(state["marginSummary"]); ok {
		acc.AccountValue = floatFromMap(summary, "accountValue")
	}
	positions, _ := toSlice(state["assetPositions"])
	for _, item := range positions {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		pos, ok := toMap(entry["position"])
		if !ok {
			continue
		}
		coin := stringFromMap(pos, "coin")
		size := floatFromMap(pos, "szi")
		if coin == "" || size == 0 {
			continue
		}
		mark := 0.0
		if value := floatFromMap(pos, "positionValue"); value > 0 {
			mark = value / math.Abs(size)
		}
		acc.Positions = append(acc.Positions, gateway.Position{
			Symbol:        coin,
			Amount:        size,
			EntryPrice:    floatFromMap(pos, "entryPx"),
			MarkPrice:     mark,
			UnrealizedPnL: floatFromMap(pos, "unrealizedPnl"),
		})
	}
	rawOrders, _ := toSlice(data["openOrders"])
	orders := make([]gateway.Order, 0, len(rawOrders))
	for _, item := range rawOrders {
		if o, ok := parseOpenOrder(item); ok {
			orders = append(orders, o)
		}
	}
	return acc, orders, true
}

func parseOpenOrder(v any) (gateway.Order, bool) {
	m, ok := toMap(v)
	if !ok {
		return gateway.Order{}, false
	}
	oid := intFromAny(m["oid"], 0)
	coin := stringFromMap(m, "coin")
	if oid == 0 || coin == "" {
		return gateway.Order{}, false
	}
	size := floatFromMap(m, "sz")
	orig := floatFromMap(m, "origSz")
	status := gateway.StatusNew
	if orig > 0 && size < orig {
		status = gateway.StatusPartiallyFilled
	}
	orderType := gateway.OrderTypeLimit
	if strings.Contains(strings.ToLower(stringFromMap(m, "orderType")), "market") {
		orderType = gateway.OrderTypeMarket
	}
	qty := orig
	if qty == 0 {
		qty = size
	}
	reduceOnly, _ := m["reduceOnly"].(bool)
	return gateway.Order{
		ID:         strconv.FormatInt(int64(oid), 10),
		ClientID:   stringFromMap(m, "cloid"),
		Symbol:     coin,
		Side:       sideFromWire(stringFromMap(m, "side")),
		Type:       orderType,
		Status:     status,
		Price:      floatFromMap(m, "limitPx"),
		Quantity:   qty,
		Filled:     qty - size,
		ReduceOnly: reduceOnly,
		UpdatedAt:  timeFromMillis(m["timestamp"]),
	}, true
}

// parseFills returns the executions in a userFills push. The initial snapshot
// replays history and is ignored.
func parseFills(data map[string]any) []gateway.Trade {
	if snapshot, _ := data["isSnapshot"].(bool); snapshot {
		return nil
	}
	items, _ := toSlice(data["fills"])
	out := make([]gateway.Trade, 0, len(items))
	for _, item := range items {
		m, ok := toMap(item)
		if !ok {
			continue
		}
		crossed, _ := m["crossed"].(bool)
		out = append(out, gateway.Trade{
			ID:          strconv.FormatInt(int64(intFromAny(m["tid"], 0)), 10),
			OrderID:     strconv.FormatInt(int64(intFromAny(m["oid"], 0)), 10),
			Symbol:      stringFromMap(m, "coin"),
			Side:        sideFromWire(stringFromMap(m, "side")),
			Price:       floatFromMap(m, "px"),
			Quantity:    floatFromMap(m, "sz"),
			Commission:  floatFromMap(m, "fee"),
			RealizedPnL: floatFromMap(m, "closedPnl"),
			Maker:       !crossed,
			Time:        timeFromMillis(m["time"]),
		})
	}
	return out
}

func sideFromWire(s string) gateway.Side {
	if strings.EqualFold(s, "B") || strings.EqualFold(s, "buy") {
		return gateway.SideBuy
	}
	return gateway.SideSell
}

func timeFromMillis(v any) time.Time {
	ms, ok := floatFromAny(v)
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if f, ok := floatFromAny(m[key]); ok {
			return f
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}
