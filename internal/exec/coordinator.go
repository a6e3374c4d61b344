package exec

import (
	"context"
	"errors"
	"fmt"
	"math"

	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/metrics"

	"go.uber.org/zap"
)

var (
	ErrBusy           = errors.New("order category busy")
	ErrPriceDeviation = errors.New("price deviates from mark")
	ErrInvalidOrder   = errors.New("invalid order")
)

// Trader is the order-mutation side of the exchange gateway.
type Trader interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

// PriceGuard rejects market execution when the reference price has drifted
// more than MaxPct (a fraction, 0.05 = 5%) away from the mark price.
type PriceGuard struct {
	MarkPrice     float64
	ExpectedPrice float64
	MaxPct        float64
}

// Deviation is |expected - mark| / mark.
func (g PriceGuard) Deviation() float64 {
	if g.MarkPrice <= 0 {
		return 0
	}
	return math.Abs(g.ExpectedPrice-g.MarkPrice) / g.MarkPrice
}

// Check passes when the mark is unknown: a close must not be blocked only
// because the ticker has not arrived yet.
func (g PriceGuard) Check() error {
	if g.MaxPct <= 0 || g.MarkPrice <= 0 {
		return nil
	}
	if g.ExpectedPrice <= 0 {
		return fmt.Errorf("expected price %.8f: %w", g.ExpectedPrice, ErrPriceDeviation)
	}
	if dev := g.Deviation(); dev > g.MaxPct {
		return fmt.Errorf("expected %.8f vs mark %.8f (%.4f%% > %.4f%%): %w",
			g.ExpectedPrice, g.MarkPrice, dev*100, g.MaxPct*100, ErrPriceDeviation)
	}
	return nil
}

type CancelOutcome int

const (
	CancelSucceeded CancelOutcome = iota
	CancelAlreadyGone
	CancelFailed
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelSucceeded:
		return "success"
	case CancelAlreadyGone:
		return "already_gone"
	default:
		return "error"
	}
}

// CancelCallbacks are invoked by SafeCancelOrder; nil callbacks are skipped.
type CancelCallbacks struct {
	OnSuccess     func()
	OnAlreadyGone func()
	OnError       func(error)
}

// PositionFunc reports the last pushed signed position for the symbol.
type PositionFunc func() float64

// Coordinator serializes order mutations per category for one symbol.
type Coordinator struct {
	trader   Trader
	locks    *Locks
	symbol   string
	position PositionFunc
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewCoordinator(trader Trader, locks *Locks, symbol string, position PositionFunc, m *metrics.Metrics, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if position == nil {
		position = func() float64 { return 0 }
	}
	return &Coordinator{trader: trader, locks: locks, symbol: symbol, position: position, log: log, metrics: m}
}

func (c *Coordinator) Locks() *Locks {
	return c.locks
}

// PlaceOrder submits a limit order under the LIMIT category. On success the
// category stays locked until the order stream confirms the order or the
// safety timer fires.
func (c *Coordinator) PlaceOrder(ctx context.Context, side gateway.Side, price, amount float64, reduceOnly bool, guard *PriceGuard) (gateway.Order, error) {
	return c.submit(ctx, CategoryLimit, gateway.OrderRequest{
		Symbol:     c.symbol,
		Side:       side,
		Type:       gateway.OrderTypeLimit,
		Quantity:   amount,
		Price:      price,
		ReduceOnly: reduceOnly,
	}, guard)
}

// MarketOrder submits a position-opening market order under the MARKET
// category.
func (c *Coordinator) MarketOrder(ctx context.Context, side gateway.Side, amount float64, guard *PriceGuard) (gateway.Order, error) {
	return c.submit(ctx, CategoryMarket, gateway.OrderRequest{
		Symbol:   c.symbol,
		Side:     side,
		Type:     gateway.OrderTypeMarket,
		Quantity: amount,
	}, guard)
}

func (c *Coordinator) submit(ctx context.Context, category string, req gateway.OrderRequest, guard *PriceGuard) (gateway.Order, error) {
	if req.Quantity <= 0 {
		return gateway.Order{}, fmt.Errorf("quantity %.8f: %w", req.Quantity, ErrInvalidOrder)
	}
	if !c.locks.Acquire(category) {
		return gateway.Order{}, fmt.Errorf("%s: %w", category, ErrBusy)
	}
	if guard != nil {
		if err := guard.Check(); err != nil {
			c.locks.Release(category)
			c.metrics.GuardRejections.Inc()
			return gateway.Order{}, err
		}
	}
	base := c.position()
	order, err := c.trader.CreateOrder(ctx, req)
	if err != nil {
		c.locks.Release(category)
		c.metrics.OrdersFailed.Inc()
		return gateway.Order{}, err
	}
	c.settle(category, order, base)
	c.metrics.OrdersPlaced.Inc()
	c.log.Info("order submitted",
		zap.String("category", category),
		zap.String("order_id", order.ID),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Float64("price", req.Price),
		zap.Float64("amount", req.Quantity),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.String("status", string(order.Status)),
	)
	return order, nil
}

// SafeCancelOrder cancels order and classifies the result into exactly one
// outcome. Unknown-order responses mean the order is already resolved.
func (c *Coordinator) SafeCancelOrder(ctx context.Context, order gateway.Order, cb CancelCallbacks) (CancelOutcome, error) {
	err := c.trader.CancelOrder(ctx, c.symbol, order.ID)
	switch {
	case err == nil:
		c.metrics.OrdersCanceled.Inc()
		if cb.OnSuccess != nil {
			cb.OnSuccess()
		}
		return CancelSucceeded, nil
	case gateway.IsUnknownOrder(err):
		c.metrics.OrdersCanceled.Inc()
		c.log.Info("cancel target already resolved", zap.String("order_id", order.ID))
		if cb.OnAlreadyGone != nil {
			cb.OnAlreadyGone()
		}
		return CancelAlreadyGone, nil
	default:
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return CancelFailed, err
	}
}

// MarketClose flattens amount with a reduce-only market order after checking
// the guard and clearing resting orders for the symbol. A rate-limited cancel
// is returned alongside the submitted order.
func (c *Coordinator) MarketClose(ctx context.Context, side gateway.Side, amount float64, guard PriceGuard) (gateway.Order, error) {
	if amount <= 0 {
		return gateway.Order{}, fmt.Errorf("close amount %.8f: %w", amount, ErrInvalidOrder)
	}
	if !c.locks.Acquire(CategoryMarketClose) {
		return gateway.Order{}, fmt.Errorf("%s: %w", CategoryMarketClose, ErrBusy)
	}
	if err := guard.Check(); err != nil {
		c.locks.Release(CategoryMarketClose)
		c.metrics.GuardRejections.Inc()
		c.log.Warn("market close rejected by price guard",
			zap.String("side", string(side)),
			zap.Float64("mark", guard.MarkPrice),
			zap.Float64("expected", guard.ExpectedPrice),
			zap.Error(err),
		)
		return gateway.Order{}, err
	}
	// A failed cancel never blocks the close. Rate limits are still returned.
	var cancelErr error
	if err := c.trader.CancelAllOrders(ctx, c.symbol); err != nil && !gateway.IsUnknownOrder(err) {
		c.log.Warn("cancel before market close failed", zap.Error(err))
		if gateway.IsRateLimit(err) {
			cancelErr = fmt.Errorf("cancel before market close: %w", err)
		}
	}
	base := c.position()
	order, err := c.trader.CreateOrder(ctx, gateway.OrderRequest{
		Symbol:     c.symbol,
		Side:       side,
		Type:       gateway.OrderTypeMarket,
		Quantity:   amount,
		ReduceOnly: true,
	})
	if err != nil {
		c.locks.Release(CategoryMarketClose)
		if gateway.IsUnknownOrder(err) {
			c.log.Info("market close target already resolved", zap.Error(err))
			return gateway.Order{}, cancelErr
		}
		c.metrics.OrdersFailed.Inc()
		if cancelErr != nil {
			return gateway.Order{}, errors.Join(cancelErr, err)
		}
		return gateway.Order{}, err
	}
	c.settle(CategoryMarketClose, order, base)
	c.metrics.MarketCloses.Inc()
	c.log.Info("market close submitted",
		zap.String("order_id", order.ID),
		zap.String("side", string(side)),
		zap.Float64("amount", amount),
		zap.Float64("expected_price", guard.ExpectedPrice),
		zap.Float64("mark_price", guard.MarkPrice),
	)
	return order, cancelErr
}

// settle decides how the lock taken for a successful submission is released:
// a resting order waits for the order stream, a fill waits for the position to
// move off base, anything else is already final.
func (c *Coordinator) settle(category string, order gateway.Order, base float64) {
	switch {
	case order.ID != "" && order.Status.Active():
		c.locks.SetPending(category, order.ID)
	case order.Status == gateway.StatusFilled:
		c.locks.SetPending(category, order.ID)
		c.locks.AwaitPosition(category, base)
	default:
		c.locks.Release(category)
	}
}

// CancelAll clears every resting order for the symbol; unknown-order counts
// as success.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	if err := c.trader.CancelAllOrders(ctx, c.symbol); err != nil && !gateway.IsUnknownOrder(err) {
		return err
	}
	return nil
}
