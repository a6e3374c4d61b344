package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hl-maker-bot/internal/config"
	"hl-maker-bot/internal/events"
	"hl-maker-bot/internal/exec"
	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/metrics"
	"hl-maker-bot/internal/ratelimit"
	"hl-maker-bot/internal/stats"
	"hl-maker-bot/internal/strategy"

	"go.uber.org/zap"
)

// Bus event names.
const (
	EventUpdate = "update"
	EventHourly = "hourly"
	EventAlert  = "alert"
)

type Options struct {
	Gateway gateway.Gateway
	Limiter *ratelimit.Controller
	Stats   *stats.Aggregator
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Engine runs one strategy variant against one symbol. Push handlers and Tick
// may run on different goroutines; all shared state is guarded by mu and every
// order mutation goes through the coordinator's per-category locks.
type Engine struct {
	cfg     config.StrategyConfig
	gw      gateway.Gateway
	variant strategy.Variant
	limiter *ratelimit.Controller
	coord   *exec.Coordinator
	stats   *stats.Aggregator
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	running atomic.Bool
	wake    chan struct{}

	mu              sync.Mutex
	account         *gateway.Account
	depth           *gateway.Depth
	ticker          gateway.Ticker
	kline           gateway.Kline
	openOrders      []gateway.Order
	desired         []strategy.DesiredOrder
	startupDone     bool
	lossLimit       float64
	sessionVolume   float64
	sessionRealized float64
	lastUpdate      time.Time
	logs            *logRing
	unsubscribe     []func()
}

func New(cfg config.StrategyConfig, opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, errors.New("engine: gateway is required")
	}
	variant, err := strategy.NewVariant(cfg)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("symbol", cfg.Symbol), zap.String("variant", variant.Name()))
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(cfg.RefreshInterval, config.RateLimitConfig{}, log)
	}
	agg := opts.Stats
	if agg == nil {
		agg = stats.New()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}
	e := &Engine{
		cfg:       cfg,
		gw:        opts.Gateway,
		variant:   variant,
		limiter:   limiter,
		stats:     agg,
		bus:       bus,
		metrics:   m,
		log:       log,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		lossLimit: cfg.LossLimit,
		logs:      newLogRing(cfg.MaxLogEntries),
	}
	locks := exec.NewLocks(cfg.LockTimeout, log)
	e.coord = exec.NewCoordinator(opts.Gateway, locks, cfg.Symbol, e.position, m, log)
	return e, nil
}

func (e *Engine) Bus() *events.Bus {
	return e.bus
}

func (e *Engine) Coordinator() *exec.Coordinator {
	return e.coord
}

// Start registers the push handlers. It is idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.unsubscribe) > 0 {
		return
	}
	e.unsubscribe = []func(){
		e.gw.SubscribeAccount(e.onAccount),
		e.gw.SubscribeOrders(e.onOrders),
		e.gw.SubscribeDepth(e.onDepth),
		e.gw.SubscribeTicker(e.onTicker),
		e.gw.SubscribeKlines(e.onKline),
		e.gw.SubscribeTrades(e.onTrade),
	}
}

func (e *Engine) Stop() {
	e.mu.Lock()
	unsubs := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// Run ticks on the refresh interval and whenever a depth or account push
// arrives, until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.Start()
	defer e.Stop()

	interval := e.cfg.RefreshInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.note(zap.InfoLevel, "strategy engine started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.wake:
			e.Tick(ctx)
		}
	}
}

// Shutdown cancels every resting order for the symbol.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.coord.CancelAll(ctx); err != nil {
		return err
	}
	e.note(zap.InfoLevel, "resting orders cancelled on shutdown")
	return nil
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) onAccount(acc gateway.Account) {
	pos := acc.Position(e.cfg.Symbol)
	e.mu.Lock()
	e.account = &acc
	e.lastUpdate = e.now()
	e.mu.Unlock()
	e.metrics.Position.Set(pos.Amount)
	if released := e.coord.Locks().ResolvePosition(pos.Amount); len(released) > 0 {
		e.log.Debug("order locks resolved by position", zap.Strings("categories", released))
	}
	e.signal()
}

// position is the last pushed signed position, 0 before the first push.
func (e *Engine) position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.account == nil {
		return 0
	}
	return e.account.Position(e.cfg.Symbol).Amount
}

func (e *Engine) onOrders(orders []gateway.Order) {
	var mine, resting []gateway.Order
	for _, o := range orders {
		if !strings.EqualFold(o.Symbol, e.cfg.Symbol) {
			continue
		}
		mine = append(mine, o)
		if o.Type != gateway.OrderTypeMarket && o.Status.Active() {
			resting = append(resting, o)
		}
	}
	e.mu.Lock()
	e.openOrders = resting
	e.lastUpdate = e.now()
	e.mu.Unlock()
	if released := e.coord.Locks().Resolve(mine); len(released) > 0 {
		e.log.Debug("order locks resolved", zap.Strings("categories", released))
	}
}

func (e *Engine) onDepth(d gateway.Depth) {
	if d.Symbol != "" && !strings.EqualFold(d.Symbol, e.cfg.Symbol) {
		return
	}
	e.mu.Lock()
	e.depth = &d
	e.lastUpdate = e.now()
	e.mu.Unlock()
	e.signal()
}

func (e *Engine) onTicker(t gateway.Ticker) {
	if t.Symbol != "" && !strings.EqualFold(t.Symbol, e.cfg.Symbol) {
		return
	}
	e.mu.Lock()
	e.ticker = t
	e.mu.Unlock()
}

func (e *Engine) onKline(k gateway.Kline) {
	if k.Symbol != "" && !strings.EqualFold(k.Symbol, e.cfg.Symbol) {
		return
	}
	e.mu.Lock()
	e.kline = k
	e.mu.Unlock()
}

func (e *Engine) onTrade(t gateway.Trade) {
	if t.Symbol != "" && !strings.EqualFold(t.Symbol, e.cfg.Symbol) {
		return
	}
	e.stats.Record(t)
	e.metrics.TradesRecorded.Inc()
	e.mu.Lock()
	e.sessionVolume += t.QuoteQuantity()
	e.sessionRealized += t.RealizedPnL
	e.mu.Unlock()
	e.note(zap.InfoLevel, "trade executed",
		zap.String("order_id", t.OrderID),
		zap.String("side", string(t.Side)),
		zap.Float64("price", t.Price),
		zap.Float64("quantity", t.Quantity),
		zap.Float64("fee", t.Commission),
		zap.Float64("realized_pnl", t.RealizedPnL),
		zap.Bool("maker", t.Maker),
	)
}

func (e *Engine) dropOpenOrder(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.openOrders[:0]
	for _, o := range e.openOrders {
		if o.ID != id {
			kept = append(kept, o)
		}
	}
	e.openOrders = kept
}

func (e *Engine) addOpenOrder(o gateway.Order) {
	if o.ID == "" || !o.Status.Active() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cur := range e.openOrders {
		if cur.ID == o.ID {
			return
		}
	}
	e.openOrders = append(e.openOrders, o)
}
