package exec

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"hl-maker-bot/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrader struct {
	mu        sync.Mutex
	requests  []gateway.OrderRequest
	cancels   []string
	cancelAll int
	createErr error
	cancelErr error
	allErr    error
	nextID    int
	status    gateway.OrderStatus
}

func (f *fakeTrader) CreateOrder(_ context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return gateway.Order{}, f.createErr
	}
	f.nextID++
	status := f.status
	if status == "" {
		status = gateway.StatusNew
	}
	return gateway.Order{
		ID:         strconv.Itoa(f.nextID),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     status,
		Price:      req.Price,
		Quantity:   req.Quantity,
		ReduceOnly: req.ReduceOnly,
	}, nil
}

func (f *fakeTrader) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return f.cancelErr
}

func (f *fakeTrader) CancelAllOrders(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return f.allErr
}

func newTestCoordinator(trader *fakeTrader) (*Coordinator, *manualScheduler) {
	sched := &manualScheduler{}
	locks := newLocks(3*time.Second, nil, sched.schedule)
	return NewCoordinator(trader, locks, "BTC", nil, nil, nil), sched
}

func TestPriceGuard(t *testing.T) {
	cases := []struct {
		name  string
		guard PriceGuard
		ok    bool
	}{
		{"within", PriceGuard{MarkPrice: 100, ExpectedPrice: 104, MaxPct: 0.05}, true},
		{"at limit", PriceGuard{MarkPrice: 100, ExpectedPrice: 95, MaxPct: 0.05}, true},
		{"beyond", PriceGuard{MarkPrice: 100, ExpectedPrice: 106, MaxPct: 0.05}, false},
		{"unknown mark", PriceGuard{MarkPrice: 0, ExpectedPrice: 106, MaxPct: 0.05}, true},
		{"disabled", PriceGuard{MarkPrice: 100, ExpectedPrice: 200, MaxPct: 0}, true},
		{"no book", PriceGuard{MarkPrice: 100, ExpectedPrice: 0, MaxPct: 0.05}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.guard.Check()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrPriceDeviation)
			}
		})
	}
}

func TestPlaceOrderHoldsLockUntilResolved(t *testing.T) {
	trader := &fakeTrader{}
	coord, _ := newTestCoordinator(trader)
	ctx := context.Background()

	order, err := coord.PlaceOrder(ctx, gateway.SideBuy, 100, 0.01, false, nil)
	require.NoError(t, err)
	assert.Equal(t, order.ID, coord.Locks().Pending(CategoryLimit))

	_, err = coord.PlaceOrder(ctx, gateway.SideSell, 101, 0.01, false, nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, trader.requests, 1)

	coord.Locks().Resolve([]gateway.Order{{ID: order.ID, Status: gateway.StatusFilled}})
	_, err = coord.PlaceOrder(ctx, gateway.SideSell, 101, 0.01, false, nil)
	assert.NoError(t, err)
}

func TestPlaceOrderReleasesOnError(t *testing.T) {
	trader := &fakeTrader{createErr: gateway.ErrInsufficientMargin}
	coord, _ := newTestCoordinator(trader)

	_, err := coord.PlaceOrder(context.Background(), gateway.SideBuy, 100, 0.01, false, nil)
	assert.True(t, gateway.IsInsufficientMargin(err))
	assert.False(t, coord.Locks().Busy(CategoryLimit))
}

func TestPlaceOrderTimeoutUnblocks(t *testing.T) {
	trader := &fakeTrader{}
	coord, sched := newTestCoordinator(trader)

	_, err := coord.PlaceOrder(context.Background(), gateway.SideBuy, 100, 0.01, false, nil)
	require.NoError(t, err)
	sched.fire()
	assert.False(t, coord.Locks().Busy(CategoryLimit))
}

func TestMarketOrderGuardRejects(t *testing.T) {
	trader := &fakeTrader{}
	coord, _ := newTestCoordinator(trader)

	guard := &PriceGuard{MarkPrice: 100, ExpectedPrice: 120, MaxPct: 0.05}
	_, err := coord.MarketOrder(context.Background(), gateway.SideBuy, 0.01, guard)
	assert.ErrorIs(t, err, ErrPriceDeviation)
	assert.Empty(t, trader.requests)
	assert.False(t, coord.Locks().Busy(CategoryMarket))
}

func TestSafeCancelOutcomes(t *testing.T) {
	ctx := context.Background()
	order := gateway.Order{ID: "7"}

	trader := &fakeTrader{}
	coord, _ := newTestCoordinator(trader)
	var hits []string
	cb := CancelCallbacks{
		OnSuccess:     func() { hits = append(hits, "success") },
		OnAlreadyGone: func() { hits = append(hits, "gone") },
		OnError:       func(error) { hits = append(hits, "error") },
	}

	outcome, err := coord.SafeCancelOrder(ctx, order, cb)
	assert.NoError(t, err)
	assert.Equal(t, CancelSucceeded, outcome)

	trader.cancelErr = &gateway.APIError{Message: "Order was never placed, already canceled, or filled."}
	outcome, err = coord.SafeCancelOrder(ctx, order, cb)
	assert.NoError(t, err)
	assert.Equal(t, CancelAlreadyGone, outcome)

	trader.cancelErr = errors.New("connection reset")
	outcome, err = coord.SafeCancelOrder(ctx, order, cb)
	assert.Error(t, err)
	assert.Equal(t, CancelFailed, outcome)

	assert.Equal(t, []string{"success", "gone", "error"}, hits)
}

func TestMarketCloseFlow(t *testing.T) {
	trader := &fakeTrader{allErr: errors.New("cancel failed")}
	coord, _ := newTestCoordinator(trader)
	guard := PriceGuard{MarkPrice: 100, ExpectedPrice: 99.9, MaxPct: 0.05}

	order, err := coord.MarketClose(context.Background(), gateway.SideSell, 0.02, guard)
	require.NoError(t, err)
	assert.Equal(t, 1, trader.cancelAll)
	require.Len(t, trader.requests, 1)
	req := trader.requests[0]
	assert.Equal(t, gateway.OrderTypeMarket, req.Type)
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, gateway.SideSell, req.Side)
	assert.Equal(t, order.ID, coord.Locks().Pending(CategoryMarketClose))

	_, err = coord.MarketClose(context.Background(), gateway.SideSell, 0.02, guard)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestMarketCloseGuardAndUnknownOrder(t *testing.T) {
	trader := &fakeTrader{}
	coord, _ := newTestCoordinator(trader)

	_, err := coord.MarketClose(context.Background(), gateway.SideBuy, 0.02,
		PriceGuard{MarkPrice: 100, ExpectedPrice: 110, MaxPct: 0.05})
	assert.ErrorIs(t, err, ErrPriceDeviation)
	assert.Zero(t, trader.cancelAll)
	assert.False(t, coord.Locks().Busy(CategoryMarketClose))

	trader.createErr = gateway.ErrUnknownOrder
	_, err = coord.MarketClose(context.Background(), gateway.SideBuy, 0.02,
		PriceGuard{MarkPrice: 100, ExpectedPrice: 100.1, MaxPct: 0.05})
	assert.NoError(t, err)
	assert.False(t, coord.Locks().Busy(CategoryMarketClose))
}

func TestMarketCloseFillHoldsUntilPositionMoves(t *testing.T) {
	trader := &fakeTrader{status: gateway.StatusFilled}
	coord, sched := newTestCoordinator(trader)

	_, err := coord.MarketClose(context.Background(), gateway.SideSell, 0.02, PriceGuard{})
	require.NoError(t, err)
	assert.True(t, coord.Locks().Busy(CategoryMarketClose))

	_, err = coord.MarketClose(context.Background(), gateway.SideSell, 0.02, PriceGuard{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, trader.requests, 1)

	sched.fire()
	assert.False(t, coord.Locks().Busy(CategoryMarketClose))
}

func TestMarketOrderFillReleasedByPositionChange(t *testing.T) {
	trader := &fakeTrader{status: gateway.StatusFilled}
	sched := &manualScheduler{}
	locks := newLocks(3*time.Second, nil, sched.schedule)
	pos := 0.25
	coord := NewCoordinator(trader, locks, "BTC", func() float64 { return pos }, nil, nil)
	ctx := context.Background()

	_, err := coord.MarketOrder(ctx, gateway.SideBuy, 0.01, nil)
	require.NoError(t, err)

	// The filled order never shows up as resting; that alone must not free the
	// category.
	assert.Empty(t, locks.Resolve(nil))
	assert.Empty(t, locks.ResolvePosition(0.25))
	_, err = coord.MarketOrder(ctx, gateway.SideBuy, 0.01, nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, trader.requests, 1)

	assert.Equal(t, []string{CategoryMarket}, locks.ResolvePosition(0.26))
	_, err = coord.MarketOrder(ctx, gateway.SideBuy, 0.01, nil)
	assert.NoError(t, err)
	assert.Len(t, trader.requests, 2)
}

func TestMarketCloseReturnsRateLimitedCancel(t *testing.T) {
	trader := &fakeTrader{allErr: &gateway.APIError{Status: 429, Message: "too many requests"}}
	coord, _ := newTestCoordinator(trader)
	guard := PriceGuard{MarkPrice: 100, ExpectedPrice: 99.9, MaxPct: 0.05}

	order, err := coord.MarketClose(context.Background(), gateway.SideSell, 0.02, guard)
	require.Error(t, err)
	assert.True(t, gateway.IsRateLimit(err))
	assert.NotEmpty(t, order.ID, "close still submitted")
	require.Len(t, trader.requests, 1)
	assert.True(t, trader.requests[0].ReduceOnly)
}

func TestMarketCloseJoinsCancelAndCreateErrors(t *testing.T) {
	trader := &fakeTrader{
		allErr:    &gateway.APIError{Status: 429, Message: "too many requests"},
		createErr: gateway.ErrInsufficientMargin,
	}
	coord, _ := newTestCoordinator(trader)

	_, err := coord.MarketClose(context.Background(), gateway.SideSell, 0.02, PriceGuard{})
	require.Error(t, err)
	assert.True(t, gateway.IsRateLimit(err))
	assert.ErrorIs(t, err, gateway.ErrInsufficientMargin)
	assert.False(t, coord.Locks().Busy(CategoryMarketClose))
}
