package strategy

import (
	"hl-maker-bot/internal/gateway"
)

// UnrealizedPnL marks the position against the side of the book it would
// close into: longs sell at the bid, shorts buy at the ask.
func UnrealizedPnL(pos PositionSnapshot, bid, ask float64) float64 {
	switch {
	case pos.Amount >= MinAmount && bid > 0:
		return (bid - pos.EntryPrice) * pos.Size()
	case pos.Amount <= -MinAmount && ask > 0:
		return (pos.EntryPrice - ask) * pos.Size()
	default:
		return 0
	}
}

// ShouldStopLoss triggers at and below -lossLimit.
func ShouldStopLoss(pnl, lossLimit float64) bool {
	return lossLimit > 0 && pnl <= -lossLimit
}

func CloseSide(pos PositionSnapshot) gateway.Side {
	if pos.Amount > 0 {
		return gateway.SideSell
	}
	return gateway.SideBuy
}

// ReferencePrice is the top-of-book price a market order on side executes
// against.
func ReferencePrice(side gateway.Side, bid, ask float64) float64 {
	if side == gateway.SideSell {
		return bid
	}
	return ask
}

// CloseOrder is the resting reduce-only order that takes the whole position
// off at the passive side of the book.
func CloseOrder(pos PositionSnapshot, bid, ask, tick float64) DesiredOrder {
	side := CloseSide(pos)
	price := bid
	if side == gateway.SideSell {
		price = ask
	}
	return DesiredOrder{
		Side:       side,
		Price:      RoundToTick(price, tick),
		Amount:     pos.Size(),
		ReduceOnly: true,
	}
}

// EntryBudget tracks entry size and stop-loss threshold across margin
// rejections: each rejection halves both.
type EntryBudget struct {
	Initial     float64
	Amount      float64
	LossLimit   float64
	Rejections  int
	maxAttempts int
	floor       float64
}

func NewEntryBudget(amount, lossLimit float64, maxAttempts int, minFraction float64) *EntryBudget {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if minFraction <= 0 {
		minFraction = 1.0 / 128
	}
	return &EntryBudget{
		Initial:     amount,
		Amount:      amount,
		LossLimit:   lossLimit,
		maxAttempts: maxAttempts,
		floor:       amount * minFraction,
	}
}

// OnMarginRejected halves the budget and reports whether another attempt is
// allowed.
func (b *EntryBudget) OnMarginRejected() bool {
	b.Rejections++
	b.Amount /= 2
	b.LossLimit /= 2
	if b.Rejections >= b.maxAttempts {
		return false
	}
	return b.Amount >= b.floor
}
