package strategy

import (
	"math"

	"hl-maker-bot/internal/gateway"
)

// MinAmount is the smallest order or position size the engine acts on.
const MinAmount = 1e-5

type DesiredOrder struct {
	Side       gateway.Side `json:"side"`
	Price      float64      `json:"price"`
	Amount     float64      `json:"amount"`
	ReduceOnly bool         `json:"reduce_only"`
}

type PositionSide string

const (
	PositionFlat  PositionSide = "FLAT"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

type PositionSnapshot struct {
	Amount     float64      `json:"amount"`
	EntryPrice float64      `json:"entry_price"`
	MarkPrice  float64      `json:"mark_price"`
	Side       PositionSide `json:"side"`
}

// NewPositionSnapshot derives the per-cycle position view. markPrice falls back
// to the account's mark when the ticker has none.
func NewPositionSnapshot(pos gateway.Position, markPrice float64) PositionSnapshot {
	if markPrice <= 0 {
		markPrice = pos.MarkPrice
	}
	side := PositionFlat
	switch {
	case pos.Amount >= MinAmount:
		side = PositionLong
	case pos.Amount <= -MinAmount:
		side = PositionShort
	}
	return PositionSnapshot{
		Amount:     pos.Amount,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  markPrice,
		Side:       side,
	}
}

func (p PositionSnapshot) Flat() bool {
	return math.Abs(p.Amount) < MinAmount
}

func (p PositionSnapshot) Size() float64 {
	return math.Abs(p.Amount)
}

// Inputs is everything a variant may look at for one cycle.
type Inputs struct {
	Position       PositionSnapshot
	Depth          gateway.Depth
	Bid            float64
	Ask            float64
	EntriesBlocked bool
}

type Entry struct {
	Side   gateway.Side
	Amount float64
	Reason string
}

// Decision is a variant's answer for one cycle. Exit set means the position must
// be flattened with a guarded market close instead of quoting.
type Decision struct {
	Desired []DesiredOrder
	Entry   *Entry
	Exit    string
}
