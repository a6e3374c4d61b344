package strategy

import (
	"hl-maker-bot/internal/gateway"

	"github.com/shopspring/decimal"
)

// RoundToTick rounds price down onto the tick grid.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(price).Div(t).Floor().Mul(t).InexactFloat64()
}

// SumDepth adds the resting size of the first n levels.
func SumDepth(levels []gateway.Level, n int) float64 {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	total := decimal.Zero
	for _, lvl := range levels[:n] {
		total = total.Add(decimal.NewFromFloat(lvl.Quantity))
	}
	return total.InexactFloat64()
}
