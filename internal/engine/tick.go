package engine

import (
	"context"
	"errors"
	"fmt"

	"hl-maker-bot/internal/exec"
	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/ratelimit"
	"hl-maker-bot/internal/strategy"

	"go.uber.org/zap"
)

// view is a consistent copy of the pushed state taken at the start of a cycle.
type view struct {
	account    gateway.Account
	depth      gateway.Depth
	ticker     gateway.Ticker
	openOrders []gateway.Order
	ready      bool
}

func (e *Engine) view() view {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := view{ticker: e.ticker}
	if e.account != nil {
		v.account = *e.account
	}
	if e.depth != nil {
		v.depth = *e.depth
	}
	v.openOrders = append([]gateway.Order(nil), e.openOrders...)
	v.ready = e.account != nil && e.depth != nil
	return v
}

// Tick runs one strategy cycle. Concurrent calls return immediately while a
// cycle is in progress. Errors never escape: rate limits escalate the
// controller and flatten, everything else is logged.
func (e *Engine) Tick(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	defer e.running.Store(false)

	switch e.limiter.BeforeCycle() {
	case ratelimit.DecisionPaused:
		e.emit()
		return
	case ratelimit.DecisionSkip:
		return
	}

	hadRateLimit := false
	if err := e.cycle(ctx); err != nil {
		if gateway.IsRateLimit(err) {
			hadRateLimit = true
			e.onRateLimit(ctx, err)
		} else {
			e.note(zap.WarnLevel, "strategy tick failed", zap.Error(err))
		}
		e.emit()
	}
	e.limiter.OnCycleComplete(hadRateLimit)
	e.metrics.RateLimitMode.Set(rateLimitLevel(e.limiter.State()))
}

func (e *Engine) cycle(ctx context.Context) error {
	v := e.view()
	if !v.ready {
		e.emit()
		return nil
	}

	if !e.startupComplete() {
		if err := e.coord.CancelAll(ctx); err != nil {
			return fmt.Errorf("startup cancel all: %w", err)
		}
		e.mu.Lock()
		e.startupDone = true
		e.openOrders = nil
		e.mu.Unlock()
		e.note(zap.InfoLevel, "startup cleanup complete, resting orders cancelled")
		e.emit()
		return nil
	}

	bidLvl, okBid := v.depth.BestBid()
	askLvl, okAsk := v.depth.BestAsk()
	if !okBid || !okAsk {
		e.emit()
		return nil
	}
	bid, ask := bidLvl.Price, askLvl.Price
	pos := strategy.NewPositionSnapshot(v.account.Position(e.cfg.Symbol), v.ticker.MarkPrice)

	decision := e.variant.Decide(strategy.Inputs{
		Position:       pos,
		Depth:          v.depth,
		Bid:            bid,
		Ask:            ask,
		EntriesBlocked: e.limiter.ShouldBlockEntries(),
	})
	e.mu.Lock()
	e.desired = decision.Desired
	e.mu.Unlock()

	if decision.Exit != "" {
		e.note(zap.WarnLevel, "forced exit", zap.String("reason", decision.Exit), zap.Float64("position", pos.Amount))
		e.alert(AlertForcedExit, decision.Exit)
		if err := e.flatten(ctx, pos, bid, ask, "forced_exit"); err != nil {
			return err
		}
		e.emit()
		return nil
	}

	if err := e.syncOrders(ctx, v.openOrders, decision.Desired); err != nil {
		return err
	}
	if decision.Entry != nil && pos.Flat() {
		if err := e.enter(ctx, *decision.Entry, bid, ask, pos.MarkPrice); err != nil {
			return err
		}
	}
	if err := e.checkStopLoss(ctx, pos, bid, ask); err != nil {
		return err
	}
	e.emit()
	return nil
}

func (e *Engine) startupComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startupDone
}

// syncOrders cancels stale orders first and then places missing ones.
func (e *Engine) syncOrders(ctx context.Context, open []gateway.Order, desired []strategy.DesiredOrder) error {
	plan := strategy.MakePlan(open, desired, e.cfg.PriceTolerance)
	if plan.Empty() {
		return nil
	}
	for _, o := range plan.Cancel {
		id := o.ID
		_, err := e.coord.SafeCancelOrder(ctx, o, exec.CancelCallbacks{
			OnSuccess:     func() { e.dropOpenOrder(id) },
			OnAlreadyGone: func() { e.dropOpenOrder(id) },
		})
		if err != nil {
			if gateway.IsRateLimit(err) {
				return fmt.Errorf("cancel %s: %w", id, err)
			}
			e.note(zap.WarnLevel, "cancel failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	for _, d := range plan.Place {
		if d.Amount < strategy.MinAmount {
			continue
		}
		order, err := e.coord.PlaceOrder(ctx, d.Side, d.Price, d.Amount, d.ReduceOnly, nil)
		switch {
		case err == nil:
			e.addOpenOrder(order)
		case errors.Is(err, exec.ErrBusy):
			// Previous placement not confirmed yet; retried next cycle.
			return nil
		case gateway.IsRateLimit(err):
			return fmt.Errorf("place %s: %w", d.Side, err)
		default:
			e.note(zap.WarnLevel, "place order failed",
				zap.String("side", string(d.Side)),
				zap.Float64("price", d.Price),
				zap.Float64("amount", d.Amount),
				zap.Error(err),
			)
		}
	}
	return nil
}

// enter opens a position with a market order, halving size and stop-loss on
// every margin rejection until the budget runs out.
func (e *Engine) enter(ctx context.Context, entry strategy.Entry, bid, ask, mark float64) error {
	budget := strategy.NewEntryBudget(entry.Amount, e.cfg.LossLimit, e.cfg.MaxEntryAttempts, e.cfg.MinEntryFraction)
	guard := &exec.PriceGuard{
		MarkPrice:     mark,
		ExpectedPrice: strategy.ReferencePrice(entry.Side, bid, ask),
		MaxPct:        e.cfg.MaxCloseSlippage,
	}
	for {
		if budget.Amount < strategy.MinAmount {
			return nil
		}
		_, err := e.coord.MarketOrder(ctx, entry.Side, budget.Amount, guard)
		switch {
		case err == nil:
			e.mu.Lock()
			e.lossLimit = budget.LossLimit
			e.mu.Unlock()
			e.note(zap.InfoLevel, "entry submitted",
				zap.String("side", string(entry.Side)),
				zap.Float64("amount", budget.Amount),
				zap.Float64("loss_limit", budget.LossLimit),
				zap.String("reason", entry.Reason),
			)
			return nil
		case errors.Is(err, exec.ErrBusy):
			return nil
		case errors.Is(err, exec.ErrPriceDeviation):
			e.note(zap.WarnLevel, "entry rejected by price guard", zap.Error(err))
			return nil
		case !gateway.IsInsufficientMargin(err):
			return fmt.Errorf("entry %s: %w", entry.Side, err)
		}
		e.metrics.MarginRetries.Inc()
		if !budget.OnMarginRejected() {
			e.note(zap.WarnLevel, "entry abandoned after margin rejections",
				zap.Int("attempts", budget.Rejections),
				zap.Float64("last_amount", budget.Amount*2),
			)
			return nil
		}
		e.note(zap.InfoLevel, "insufficient margin, retrying entry with half size",
			zap.Int("attempt", budget.Rejections),
			zap.Float64("amount", budget.Amount),
			zap.Float64("loss_limit", budget.LossLimit),
		)
	}
}

func (e *Engine) checkStopLoss(ctx context.Context, pos strategy.PositionSnapshot, bid, ask float64) error {
	if pos.Flat() {
		return nil
	}
	e.mu.Lock()
	limit := e.lossLimit
	e.mu.Unlock()
	pnl := strategy.UnrealizedPnL(pos, bid, ask)
	e.metrics.UnrealizedPnL.Set(pnl)
	if !strategy.ShouldStopLoss(pnl, limit) {
		return nil
	}
	e.metrics.StopLosses.Inc()
	e.note(zap.WarnLevel, "stop loss triggered",
		zap.Float64("pnl", pnl),
		zap.Float64("loss_limit", limit),
		zap.Float64("position", pos.Amount),
	)
	e.alert(AlertStopLoss, fmt.Sprintf("stop loss: pnl %.4f <= -%.4f, position %.6f", pnl, limit, pos.Amount))
	return e.flatten(ctx, pos, bid, ask, "stop_loss")
}

// flatten closes the whole position with a guarded reduce-only market order.
// A guard rejection or an in-flight close is not an error: the next cycle
// re-evaluates with fresh prices.
func (e *Engine) flatten(ctx context.Context, pos strategy.PositionSnapshot, bid, ask float64, reason string) error {
	if pos.Flat() {
		return nil
	}
	side := strategy.CloseSide(pos)
	guard := exec.PriceGuard{
		MarkPrice:     pos.MarkPrice,
		ExpectedPrice: strategy.ReferencePrice(side, bid, ask),
		MaxPct:        e.cfg.MaxCloseSlippage,
	}
	order, err := e.coord.MarketClose(ctx, side, pos.Size(), guard)
	if order.Status != "" {
		e.note(zap.InfoLevel, "market close submitted",
			zap.String("reason", reason),
			zap.String("side", string(side)),
			zap.Float64("amount", pos.Size()),
		)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, exec.ErrBusy):
		return nil
	case errors.Is(err, exec.ErrPriceDeviation):
		e.note(zap.WarnLevel, "market close blocked by price guard", zap.String("reason", reason), zap.Error(err))
		e.alert(AlertGuardRejected, fmt.Sprintf("%s close blocked: %v", reason, err))
		return nil
	default:
		return fmt.Errorf("%s market close: %w", reason, err)
	}
}

// onRateLimit escalates the controller and flattens any open position.
func (e *Engine) onRateLimit(ctx context.Context, cause error) {
	e.limiter.RegisterRateLimit(cause.Error())
	e.metrics.RateLimited.Inc()
	state := e.limiter.State()
	e.note(zap.WarnLevel, "rate limited", zap.String("state", string(state)), zap.Error(cause))
	if state == ratelimit.StatePaused {
		e.alert(AlertPaused, fmt.Sprintf("rate limited, trading paused until %s", e.limiter.PausedUntil().Format("15:04:05")))
	}

	v := e.view()
	if !v.ready {
		return
	}
	bidLvl, okBid := v.depth.BestBid()
	askLvl, okAsk := v.depth.BestAsk()
	if !okBid || !okAsk {
		return
	}
	pos := strategy.NewPositionSnapshot(v.account.Position(e.cfg.Symbol), v.ticker.MarkPrice)
	if err := e.flatten(ctx, pos, bidLvl.Price, askLvl.Price, "rate_limit"); err != nil {
		e.note(zap.WarnLevel, "flatten after rate limit failed", zap.Error(err))
	}
}

func rateLimitLevel(s ratelimit.State) float64 {
	switch s {
	case ratelimit.StateDegraded:
		return 1
	case ratelimit.StatePaused:
		return 2
	default:
		return 0
	}
}
