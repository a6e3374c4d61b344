package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: KindGeneric},
		{name: "wrapped sentinel rate limit", err: fmt.Errorf("place: %w", ErrRateLimited), want: KindRateLimit},
		{name: "wrapped sentinel unknown", err: fmt.Errorf("cancel: %w", ErrUnknownOrder), want: KindUnknownOrder},
		{name: "wrapped sentinel margin", err: fmt.Errorf("entry: %w", ErrInsufficientMargin), want: KindInsufficientMargin},
		{name: "http 429", err: &APIError{Status: 429, Message: "slow down"}, want: KindRateLimit},
		{name: "binance -1003", err: &APIError{Code: -1003, Message: "way too much request weight"}, want: KindRateLimit},
		{name: "binance -2011", err: &APIError{Code: -2011, Message: "cancel rejected"}, want: KindUnknownOrder},
		{name: "binance -2019", err: &APIError{Code: -2019, Message: "margin check failed"}, want: KindInsufficientMargin},
		{name: "hyperliquid cancel", err: errors.New("Order was never placed, already canceled, or filled."), want: KindUnknownOrder},
		{name: "hyperliquid margin", err: errors.New("Insufficient margin to place order. asset=3"), want: KindInsufficientMargin},
		{name: "context", err: context.DeadlineExceeded, want: KindGeneric},
		{name: "generic", err: errors.New("connection reset by peer"), want: KindGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestAccountPositionDefaultsFlat(t *testing.T) {
	acc := Account{Positions: []Position{{Symbol: "ETH", Amount: 2}}}
	assert.Equal(t, 2.0, acc.Position("eth").Amount)
	assert.Equal(t, 0.0, acc.Position("BTC").Amount)
	assert.Equal(t, "BTC", acc.Position("BTC").Symbol)
}

func TestDepthBestLevels(t *testing.T) {
	d := Depth{Bids: []Level{{Price: 99, Quantity: 1}}}
	bid, ok := d.BestBid()
	assert.True(t, ok)
	assert.Equal(t, 99.0, bid.Price)
	_, ok = d.BestAsk()
	assert.False(t, ok)
}
