package strategy

import (
	"fmt"

	"hl-maker-bot/internal/config"
	"hl-maker-bot/internal/gateway"
)

type Variant interface {
	Name() string
	Decide(in Inputs) Decision
}

func NewVariant(cfg config.StrategyConfig) (Variant, error) {
	switch cfg.Variant {
	case config.VariantMaker:
		return &Maker{cfg: cfg}, nil
	case config.VariantOffsetMaker:
		return &OffsetMaker{cfg: cfg}, nil
	case config.VariantImbalance:
		return &Imbalance{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown strategy variant %q", cfg.Variant)
	}
}

// Maker quotes both sides around the top of book while flat and works a single
// reduce-only close while positioned.
type Maker struct {
	cfg config.StrategyConfig
}

func (m *Maker) Name() string { return config.VariantMaker }

func (m *Maker) Decide(in Inputs) Decision {
	if !in.Position.Flat() {
		return Decision{Desired: []DesiredOrder{CloseOrder(in.Position, in.Bid, in.Ask, m.cfg.PriceTick)}}
	}
	if in.EntriesBlocked {
		return Decision{}
	}
	return Decision{Desired: quotes(m.cfg, in.Bid, in.Ask, true, true)}
}

// OffsetMaker is Maker with a depth filter: it stops quoting a side that is
// much thinner than the other and bails out of a position when its exit
// liquidity collapses.
type OffsetMaker struct {
	cfg config.StrategyConfig
}

func (m *OffsetMaker) Name() string { return config.VariantOffsetMaker }

func (m *OffsetMaker) Decide(in Inputs) Decision {
	bidSum := SumDepth(in.Depth.Bids, m.cfg.DepthLevels)
	askSum := SumDepth(in.Depth.Asks, m.cfg.DepthLevels)
	if !in.Position.Flat() {
		if reason, ok := depthExit(in.Position, bidSum, askSum, m.cfg.DepthExitRatio); ok {
			return Decision{Exit: reason}
		}
		return Decision{Desired: []DesiredOrder{CloseOrder(in.Position, in.Bid, in.Ask, m.cfg.PriceTick)}}
	}
	if in.EntriesBlocked {
		return Decision{}
	}
	ratio := m.cfg.DepthSkipRatio
	quoteBid := ratio <= 0 || bidSum*ratio >= askSum
	quoteAsk := ratio <= 0 || askSum*ratio >= bidSum
	return Decision{Desired: quotes(m.cfg, in.Bid, in.Ask, quoteBid, quoteAsk)}
}

// depthExit reports whether the book side a position closes into has thinned
// to 1/ratio of the other side, or vanished.
func depthExit(pos PositionSnapshot, bidSum, askSum, ratio float64) (string, bool) {
	if ratio <= 0 {
		return "", false
	}
	exitSide, other := bidSum, askSum
	if pos.Side == PositionShort {
		exitSide, other = askSum, bidSum
	}
	if exitSide <= 0 {
		return fmt.Sprintf("%s exit-side depth is empty", pos.Side), true
	}
	if exitSide*ratio <= other {
		return fmt.Sprintf("%s exit-side depth %.4f collapsed against %.4f", pos.Side, exitSide, other), true
	}
	return "", false
}

// Imbalance enters with a market order when the first book level is lopsided
// and exits once the thin side recovers.
type Imbalance struct {
	cfg config.StrategyConfig
}

func (m *Imbalance) Name() string { return config.VariantImbalance }

func (m *Imbalance) Decide(in Inputs) Decision {
	bidQty, askQty := firstLevelQty(in.Depth)
	if !in.Position.Flat() {
		if reason, ok := imbalanceExit(in.Position, bidQty, askQty, m.cfg.CloseRatio); ok {
			return Decision{Exit: reason}
		}
		return Decision{}
	}
	if in.EntriesBlocked {
		return Decision{}
	}
	side, ok := ImbalanceSignal(bidQty, askQty, m.cfg.MinDepthQty, m.cfg.ImbalanceRatio)
	if !ok {
		return Decision{}
	}
	return Decision{Entry: &Entry{
		Side:   side,
		Amount: m.cfg.TradeAmount,
		Reason: fmt.Sprintf("depth imbalance bid=%.4f ask=%.4f", bidQty, askQty),
	}}
}

// ImbalanceSignal returns the entry side when the larger first-level size is at
// least minQty and at least ratio times the smaller one. A heavy ask side is a
// sell signal.
func ImbalanceSignal(bidQty, askQty, minQty, ratio float64) (gateway.Side, bool) {
	if bidQty == askQty {
		return "", false
	}
	side, larger, smaller := gateway.SideBuy, bidQty, askQty
	if askQty > bidQty {
		side, larger, smaller = gateway.SideSell, askQty, bidQty
	}
	if larger < minQty {
		return "", false
	}
	if smaller > 0 && larger/smaller < ratio {
		return "", false
	}
	return side, true
}

// imbalanceExit fires when the side opposing the entry has recovered to
// closeRatio of the entry side.
func imbalanceExit(pos PositionSnapshot, bidQty, askQty, closeRatio float64) (string, bool) {
	entrySide, opposing := bidQty, askQty
	if pos.Side == PositionShort {
		entrySide, opposing = askQty, bidQty
	}
	if opposing >= closeRatio*entrySide {
		return fmt.Sprintf("%s imbalance closed: opposing=%.4f entry=%.4f", pos.Side, opposing, entrySide), true
	}
	return "", false
}

func firstLevelQty(d gateway.Depth) (float64, float64) {
	var bid, ask float64
	if lvl, ok := d.BestBid(); ok {
		bid = lvl.Quantity
	}
	if lvl, ok := d.BestAsk(); ok {
		ask = lvl.Quantity
	}
	return bid, ask
}

func quotes(cfg config.StrategyConfig, bid, ask float64, withBid, withAsk bool) []DesiredOrder {
	var out []DesiredOrder
	if withBid {
		if price := RoundToTick(bid-cfg.BidOffset, cfg.PriceTick); price > 0 {
			out = append(out, DesiredOrder{Side: gateway.SideBuy, Price: price, Amount: cfg.TradeAmount})
		}
	}
	if withAsk {
		if price := RoundToTick(ask+cfg.AskOffset, cfg.PriceTick); price > 0 {
			out = append(out, DesiredOrder{Side: gateway.SideSell, Price: price, Amount: cfg.TradeAmount})
		}
	}
	return out
}
