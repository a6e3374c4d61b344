package strategy

import (
	"math"

	"hl-maker-bot/internal/gateway"
)

const priceEpsilon = 1e-9

type Plan struct {
	Cancel []gateway.Order
	Place  []DesiredOrder
}

func (p Plan) Empty() bool {
	return len(p.Cancel) == 0 && len(p.Place) == 0
}

// MakePlan diffs open orders against the desired set. An open order is kept
// when it matches a desired entry on side and reduce-only flag within
// tolerance; everything else is cancelled and missing entries are placed.
func MakePlan(open []gateway.Order, desired []DesiredOrder, tolerance float64) Plan {
	var plan Plan
	used := make([]bool, len(open))
	for _, want := range desired {
		idx := -1
		for i, o := range open {
			if used[i] || o.Side != want.Side || o.ReduceOnly != want.ReduceOnly {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			plan.Place = append(plan.Place, want)
			continue
		}
		used[idx] = true
		if math.Abs(open[idx].Price-want.Price) <= tolerance+priceEpsilon {
			continue
		}
		plan.Cancel = append(plan.Cancel, open[idx])
		plan.Place = append(plan.Place, want)
	}
	for i, o := range open {
		if !used[i] {
			plan.Cancel = append(plan.Cancel, o)
		}
	}
	return plan
}
