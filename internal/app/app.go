package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"hl-maker-bot/internal/alerts"
	"hl-maker-bot/internal/config"
	"hl-maker-bot/internal/engine"
	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/hl/adapter"
	"hl-maker-bot/internal/hl/exchange"
	"hl-maker-bot/internal/hl/rest"
	"hl-maker-bot/internal/hl/ws"
	"hl-maker-bot/internal/metrics"
	"hl-maker-bot/internal/ratelimit"
	"hl-maker-bot/internal/report"
	persist "hl-maker-bot/internal/state"
	"hl-maker-bot/internal/state/sqlite"
	"hl-maker-bot/internal/stats"
	"hl-maker-bot/internal/timescale"

	"go.uber.org/zap"
)

const (
	persistInterval = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Gateway is the exchange connection the app drives: the engine-facing
// contract plus a start hook that opens the streams.
type Gateway interface {
	gateway.Gateway
	Start(ctx context.Context) error
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	exchange  *exchange.Client
	gateway   Gateway
	engine    *engine.Engine
	stats     *stats.Aggregator
	prom      *metrics.Prometheus
	metrics   *metrics.Metrics
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	reporter  *report.Reporter

	mu           sync.Mutex
	lastPersist  time.Time
	lastPosition time.Time
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		_ = store.Close()
		return nil, errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		_ = store.Close()
		return nil, errors.New("HL_PRIVATE_KEY is required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	if vaultAddress != "" {
		accountAddress = vaultAddress
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		_ = store.Close()
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, vaultAddress, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exClient.SetRateLimit(cfg.REST.RequestsPerSecond, cfg.REST.Burst)
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, cfg.REST.RequestsPerSecond, cfg.REST.Burst, log)
	wsClient := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)

	tif, ok := exchange.ParseTif(cfg.Strategy.LimitTif)
	if !ok {
		_ = store.Close()
		return nil, fmt.Errorf("unsupported limit tif %q", cfg.Strategy.LimitTif)
	}
	gw := adapter.New(adapter.Config{
		User:           accountAddress,
		Symbols:        []string{cfg.Strategy.Symbol},
		Tif:            tif,
		MarketSlippage: cfg.Strategy.MarketSlippage,
		CandleInterval: cfg.Strategy.CandleInterval,
	}, restClient, exClient, wsClient, log)

	ts, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		ts = nil
	}
	a, err := assemble(cfg, log, gw, store)
	if err != nil {
		_ = store.Close()
		_ = ts.Close()
		return nil, err
	}
	a.exchange = exClient
	a.timescale = ts
	return a, nil
}

// assemble builds everything above the exchange connection.
func assemble(cfg *config.Config, log *zap.Logger, gw Gateway, store *sqlite.Store) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		gateway: gw,
		stats:   stats.New(),
		alerts:  alerts.NewTelegram(cfg.Telegram, log),
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}
	eng, err := engine.New(cfg.Strategy, engine.Options{
		Gateway: gw,
		Limiter: ratelimit.New(cfg.Strategy.RefreshInterval, cfg.RateLimit, log),
		Stats:   a.stats,
		Metrics: a.metrics,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	a.engine = eng
	a.reporter = report.New(eng.Snapshot, cfg.Report.Interval, log)
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if a.exchange != nil && a.store != nil {
		if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		} else if state, ok := a.exchange.NonceState(); ok {
			a.log.Info("nonce persistence enabled", zap.String("nonce_key", state.Key), zap.Uint64("nonce_seed", state.Last))
		}
	}
	a.restoreStats(ctx)

	bus := a.engine.Bus()
	defer bus.Subscribe(engine.EventUpdate, func(p any) { a.onUpdate(p.(engine.Snapshot)) })()
	defer bus.Subscribe(engine.EventHourly, func(p any) { a.recordHourly(p.(stats.TradingStats)) })()
	if a.cfg.Telegram.Enabled {
		defer a.alerts.Attach(bus)()
		go a.alerts.Run(ctx)
	}
	if a.timescale != nil {
		a.timescale.Start(ctx)
		defer a.gateway.SubscribeKlines(a.recordCandle)()
	}
	if a.prom != nil {
		a.serveMetrics(ctx)
	}

	if err := a.gateway.Start(ctx); err != nil {
		return err
	}
	go a.reporter.Run(ctx)
	a.log.Info("engine starting",
		zap.String("symbol", a.cfg.Strategy.Symbol),
		zap.String("variant", a.cfg.Strategy.Variant),
	)
	err := a.engine.Run(ctx)
	a.shutdown()
	return err
}

// shutdown runs after the engine loop returns. The parent context is already
// done, so it works on a fresh bounded one.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.cfg.Strategy.CancelOnShutdownValue() {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.log.Warn("cancel on shutdown failed", zap.Error(err))
		}
	}
	a.persist(ctx, a.engine.Snapshot())
}

func (a *App) close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}

func (a *App) restoreStats(ctx context.Context) {
	total, ok, err := persist.LoadLifetimeStats(ctx, a.storeOrNil(), a.cfg.Strategy.Symbol)
	if err != nil {
		a.log.Warn("lifetime stats restore failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	a.stats.Restore(total)
	a.log.Info("lifetime stats restored",
		zap.Int("trades", total.Trades()),
		zap.Float64("volume", total.Volume),
		zap.Float64("realized_pnl", total.RealizedPnL),
	)
}

func (a *App) onUpdate(snap engine.Snapshot) {
	now := time.Now()
	a.mu.Lock()
	doPersist := now.Sub(a.lastPersist) >= persistInterval
	if doPersist {
		a.lastPersist = now
	}
	doPosition := a.timescale != nil && now.Sub(a.lastPosition) >= a.cfg.Timescale.PositionInterval
	if doPosition {
		a.lastPosition = now
	}
	a.mu.Unlock()

	if doPersist {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.persist(ctx, snap)
		cancel()
	}
	if doPosition {
		a.recordPosition(snap)
	}
}

func (a *App) persist(ctx context.Context, snap engine.Snapshot) {
	store := a.storeOrNil()
	if err := persist.SaveLifetimeStats(ctx, store, snap.Symbol, snap.TotalStats); err != nil {
		a.log.Warn("lifetime stats save failed", zap.Error(err))
	}
	if err := persist.SaveEngineSummary(ctx, store, summarize(snap)); err != nil {
		a.log.Warn("engine snapshot save failed", zap.Error(err))
	}
}

func (a *App) storeOrNil() persist.Store {
	if a.store == nil {
		return nil
	}
	return a.store
}

func summarize(snap engine.Snapshot) persist.EngineSummary {
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return persist.EngineSummary{
		Symbol:        snap.Symbol,
		Variant:       snap.Variant,
		Ready:         snap.Ready,
		Bid:           snap.Bid,
		Ask:           snap.Ask,
		Position:      snap.Position.Amount,
		EntryPrice:    snap.Position.EntryPrice,
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		SessionVolume: snap.SessionVolume,
		OpenOrders:    len(snap.OpenOrders),
		RateLimit:     string(snap.RateLimit),
		UpdatedAtMS:   updated.UnixMilli(),
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.log.Info("metrics listening", zap.String("address", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}
