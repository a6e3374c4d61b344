package strategy

import (
	"testing"

	"hl-maker-bot/internal/config"
	"hl-maker-bot/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(variant string) config.StrategyConfig {
	return config.StrategyConfig{
		Variant:        variant,
		Symbol:         "BTC",
		TradeAmount:    0.01,
		LossLimit:      5,
		PriceTick:      0.1,
		DepthLevels:    10,
		DepthSkipRatio: 3,
		DepthExitRatio: 6,
		MinDepthQty:    100,
		ImbalanceRatio: 6,
		CloseRatio:     0.5,
	}
}

func book(bids, asks []gateway.Level) gateway.Depth {
	return gateway.Depth{Symbol: "BTC", Bids: bids, Asks: asks}
}

func TestMakerQuotesWhenFlat(t *testing.T) {
	v, err := NewVariant(testConfig(config.VariantMaker))
	require.NoError(t, err)

	d := v.Decide(Inputs{Bid: 100.00, Ask: 100.20})

	require.Len(t, d.Desired, 2)
	assert.Equal(t, DesiredOrder{Side: gateway.SideBuy, Price: 100.0, Amount: 0.01}, d.Desired[0])
	assert.Equal(t, DesiredOrder{Side: gateway.SideSell, Price: 100.2, Amount: 0.01}, d.Desired[1])
	assert.Nil(t, d.Entry)
	assert.Empty(t, d.Exit)
}

func TestMakerRespectsBlockedEntries(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantMaker))
	d := v.Decide(Inputs{Bid: 100, Ask: 100.2, EntriesBlocked: true})
	assert.Empty(t, d.Desired)
}

func TestMakerClosesWhenPositioned(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantMaker))
	pos := NewPositionSnapshot(gateway.Position{Amount: -0.02, EntryPrice: 100}, 0)

	d := v.Decide(Inputs{Position: pos, Bid: 100, Ask: 100.2, EntriesBlocked: true})

	require.Len(t, d.Desired, 1)
	assert.Equal(t, DesiredOrder{Side: gateway.SideBuy, Price: 100, Amount: 0.02, ReduceOnly: true}, d.Desired[0])
}

func TestOffsetMakerSkipsThinSide(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantOffsetMaker))
	depth := book(
		[]gateway.Level{{Price: 100, Quantity: 1}},
		[]gateway.Level{{Price: 100.2, Quantity: 4}},
	)

	d := v.Decide(Inputs{Depth: depth, Bid: 100, Ask: 100.2})

	require.Len(t, d.Desired, 1)
	assert.Equal(t, gateway.SideSell, d.Desired[0].Side)
}

func TestOffsetMakerQuotesBalancedBook(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantOffsetMaker))
	depth := book(
		[]gateway.Level{{Price: 100, Quantity: 1}, {Price: 99.9, Quantity: 1}},
		[]gateway.Level{{Price: 100.2, Quantity: 3}},
	)
	d := v.Decide(Inputs{Depth: depth, Bid: 100, Ask: 100.2})
	assert.Len(t, d.Desired, 2)
}

func TestOffsetMakerForceExitOnCollapse(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantOffsetMaker))
	long := NewPositionSnapshot(gateway.Position{Amount: 0.01, EntryPrice: 100}, 0)
	depth := book(
		[]gateway.Level{{Price: 100, Quantity: 1}},
		[]gateway.Level{{Price: 100.2, Quantity: 6}},
	)

	d := v.Decide(Inputs{Position: long, Depth: depth, Bid: 100, Ask: 100.2})
	assert.NotEmpty(t, d.Exit)
	assert.Empty(t, d.Desired)

	healthy := book(
		[]gateway.Level{{Price: 100, Quantity: 2}},
		[]gateway.Level{{Price: 100.2, Quantity: 6}},
	)
	d = v.Decide(Inputs{Position: long, Depth: healthy, Bid: 100, Ask: 100.2})
	assert.Empty(t, d.Exit)
	require.Len(t, d.Desired, 1)
	assert.True(t, d.Desired[0].ReduceOnly)
}

func TestOffsetMakerForceExitOnEmptySide(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantOffsetMaker))
	short := NewPositionSnapshot(gateway.Position{Amount: -0.01, EntryPrice: 100}, 0)
	depth := book([]gateway.Level{{Price: 100, Quantity: 1}}, []gateway.Level{{Price: 100.2, Quantity: 0}})
	d := v.Decide(Inputs{Position: short, Depth: depth, Bid: 100, Ask: 100.2})
	assert.NotEmpty(t, d.Exit)
}

func TestImbalanceEntersShortOnHeavyAsk(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantImbalance))
	depth := book(
		[]gateway.Level{{Price: 100, Quantity: 50}},
		[]gateway.Level{{Price: 100.2, Quantity: 500}},
	)

	d := v.Decide(Inputs{Depth: depth, Bid: 100, Ask: 100.2})

	require.NotNil(t, d.Entry)
	assert.Equal(t, gateway.SideSell, d.Entry.Side)
	assert.Equal(t, 0.01, d.Entry.Amount)
}

func TestImbalanceSignal(t *testing.T) {
	side, ok := ImbalanceSignal(50, 500, 100, 6)
	assert.True(t, ok)
	assert.Equal(t, gateway.SideSell, side)

	side, ok = ImbalanceSignal(700, 100, 100, 6)
	assert.True(t, ok)
	assert.Equal(t, gateway.SideBuy, side)

	_, ok = ImbalanceSignal(50, 90, 100, 1)
	assert.False(t, ok, "below minimum size")
	_, ok = ImbalanceSignal(100, 500, 100, 6)
	assert.False(t, ok, "ratio too small")
	_, ok = ImbalanceSignal(0, 150, 100, 6)
	assert.True(t, ok, "empty side counts as infinite ratio")
}

func TestImbalanceExitWhenOpposingRecovers(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantImbalance))
	short := NewPositionSnapshot(gateway.Position{Amount: -0.01, EntryPrice: 100}, 0)

	still := book([]gateway.Level{{Price: 100, Quantity: 100}}, []gateway.Level{{Price: 100.2, Quantity: 500}})
	d := v.Decide(Inputs{Position: short, Depth: still, Bid: 100, Ask: 100.2})
	assert.Empty(t, d.Exit)
	assert.Nil(t, d.Entry)

	recovered := book([]gateway.Level{{Price: 100, Quantity: 250}}, []gateway.Level{{Price: 100.2, Quantity: 500}})
	d = v.Decide(Inputs{Position: short, Depth: recovered, Bid: 100, Ask: 100.2})
	assert.NotEmpty(t, d.Exit)
}

func TestImbalanceBlockedEntries(t *testing.T) {
	v, _ := NewVariant(testConfig(config.VariantImbalance))
	depth := book([]gateway.Level{{Price: 100, Quantity: 50}}, []gateway.Level{{Price: 100.2, Quantity: 500}})
	d := v.Decide(Inputs{Depth: depth, Bid: 100, Ask: 100.2, EntriesBlocked: true})
	assert.Nil(t, d.Entry)
}

func TestNewVariantUnknown(t *testing.T) {
	_, err := NewVariant(config.StrategyConfig{Variant: "grid"})
	assert.Error(t, err)
}
