package adapter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"hl-maker-bot/internal/events"
	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/hl/exchange"
	"hl-maker-bot/internal/hl/rest"
	"hl-maker-bot/internal/hl/ws"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	eventAccount = "account"
	eventOrders  = "orders"
	eventDepth   = "depth"
	eventTicker  = "ticker"
	eventKline   = "kline"
	eventTrade   = "trade"

	// Hyperliquid perp prices carry at most 5 significant figures and
	// 6 - szDecimals decimals.
	maxPriceDecimals = 6
	priceSigFigs     = 5
)

type InfoClient interface {
	Meta(ctx context.Context) (rest.Meta, error)
	OpenOrders(ctx context.Context, user string) ([]rest.OpenOrder, error)
	InfoInto(ctx context.Context, req interface{}, out any) error
}

type ExchangeClient interface {
	PlaceOrders(ctx context.Context, orders []exchange.OrderWire) ([]exchange.Status, error)
	CancelOrders(ctx context.Context, cancels []exchange.CancelWire) ([]exchange.Status, error)
}

type StreamClient interface {
	Subscribe(ctx context.Context, sub ws.Subscription) error
	Run(ctx context.Context, handler ws.Handler) error
}

type Config struct {
	User           string
	Symbols        []string
	Tif            exchange.Tif
	MarketSlippage float64
	CandleInterval string
}

type asset struct {
	index      int
	szDecimals int
}

// Adapter implements gateway.Gateway on Hyperliquid perpetuals.
type Adapter struct {
	cfg    Config
	info   InfoClient
	ex     ExchangeClient
	stream StreamClient
	bus    *events.Bus
	log    *zap.Logger

	mu     sync.RWMutex
	assets map[string]asset
	books  map[string]gateway.Depth
}

var _ gateway.Gateway = (*Adapter)(nil)

func New(cfg Config, info InfoClient, ex ExchangeClient, stream StreamClient, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Tif == "" {
		cfg.Tif = exchange.TifAlo
	}
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = "1m"
	}
	return &Adapter{
		cfg:    cfg,
		info:   info,
		ex:     ex,
		stream: stream,
		bus:    events.NewBus(log),
		log:    log,
		assets: make(map[string]asset),
		books:  make(map[string]gateway.Depth),
	}
}

// Start resolves asset ids, subscribes the market and user streams and runs
// the stream reader in the background until ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.LoadMeta(ctx); err != nil {
		return err
	}
	for _, symbol := range a.cfg.Symbols {
		if _, err := a.asset(symbol); err != nil {
			return err
		}
	}
	if a.stream == nil {
		return nil
	}
	subs := make([]ws.Subscription, 0, 3*len(a.cfg.Symbols)+2)
	for _, symbol := range a.cfg.Symbols {
		subs = append(subs,
			ws.Subscription{Type: "l2Book", Coin: symbol},
			ws.Subscription{Type: "activeAssetCtx", Coin: symbol},
			ws.Subscription{Type: "candle", Coin: symbol, Interval: a.cfg.CandleInterval},
		)
	}
	if a.cfg.User != "" {
		subs = append(subs,
			ws.Subscription{Type: "webData2", User: a.cfg.User},
			ws.Subscription{Type: "userFills", User: a.cfg.User},
		)
	}
	for _, sub := range subs {
		if err := a.stream.Subscribe(ctx, sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Type, err)
		}
	}
	go func() {
		if err := a.stream.Run(ctx, a.handle); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("market stream stopped", zap.Error(err))
		}
	}()
	return nil
}

func (a *Adapter) LoadMeta(ctx context.Context) error {
	meta, err := a.info.Meta(ctx)
	if err != nil {
		return fmt.Errorf("load meta: %w", err)
	}
	assets := make(map[string]asset, len(meta.Universe))
	for i, m := range meta.Universe {
		assets[strings.ToUpper(m.Name)] = asset{index: i, szDecimals: m.SzDecimals}
	}
	a.mu.Lock()
	a.assets = assets
	a.mu.Unlock()
	return nil
}

func (a *Adapter) asset(symbol string) (asset, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info, ok := a.assets[strings.ToUpper(symbol)]
	if !ok {
		return asset{}, fmt.Errorf("unknown perp asset %q", symbol)
	}
	return info, nil
}

func (a *Adapter) handle(msg ws.Message) {
	data, ok := decode(msg.Data)
	if !ok {
		a.log.Debug("ws decode error", zap.String("channel", msg.Channel))
		return
	}
	switch msg.Channel {
	case "l2Book":
		if depth, ok := parseBook(data); ok {
			a.mu.Lock()
			a.books[strings.ToUpper(depth.Symbol)] = depth
			a.mu.Unlock()
			a.bus.Publish(eventDepth, depth)
		}
	case "activeAssetCtx":
		if ticker, ok := parseAssetCtx(data); ok {
			a.bus.Publish(eventTicker, ticker)
		}
	case "candle":
		if kline, ok := parseCandle(data); ok {
			a.bus.Publish(eventKline, kline)
		}
	case "webData2":
		if acc, orders, ok := parseWebData2(data); ok {
			a.bus.Publish(eventAccount, acc)
			a.bus.Publish(eventOrders, orders)
		}
	case "userFills":
		for _, trade := range parseFills(data) {
			a.bus.Publish(eventTrade, trade)
		}
	}
}

func (a *Adapter) SubscribeAccount(fn func(gateway.Account)) func() {
	return a.bus.Subscribe(eventAccount, func(p any) { fn(p.(gateway.Account)) })
}

func (a *Adapter) SubscribeOrders(fn func([]gateway.Order)) func() {
	return a.bus.Subscribe(eventOrders, func(p any) { fn(p.([]gateway.Order)) })
}

func (a *Adapter) SubscribeDepth(fn func(gateway.Depth)) func() {
	return a.bus.Subscribe(eventDepth, func(p any) { fn(p.(gateway.Depth)) })
}

func (a *Adapter) SubscribeTicker(fn func(gateway.Ticker)) func() {
	return a.bus.Subscribe(eventTicker, func(p any) { fn(p.(gateway.Ticker)) })
}

func (a *Adapter) SubscribeKlines(fn func(gateway.Kline)) func() {
	return a.bus.Subscribe(eventKline, func(p any) { fn(p.(gateway.Kline)) })
}

func (a *Adapter) SubscribeTrades(fn func(gateway.Trade)) func() {
	return a.bus.Subscribe(eventTrade, func(p any) { fn(p.(gateway.Trade)) })
}

// CreateOrder places one order. LIMIT orders use the configured tif; MARKET
// orders are IOC limits priced through the book by MarketSlippage.
func (a *Adapter) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	info, err := a.asset(req.Symbol)
	if err != nil {
		return gateway.Order{}, err
	}
	price, tif := req.Price, a.cfg.Tif
	if req.Type == gateway.OrderTypeMarket {
		if price, err = a.marketPrice(ctx, req.Symbol, req.Side); err != nil {
			return gateway.Order{}, err
		}
		tif = exchange.TifIoc
	}
	px := normalizePrice(price, info.szDecimals)
	sz := normalizeSize(req.Quantity, info.szDecimals)
	if !px.IsPositive() || !sz.IsPositive() {
		return gateway.Order{}, fmt.Errorf("order rounds to zero: price %.8f size %.8f", price, req.Quantity)
	}
	cloid := newCloid()
	wire, err := exchange.OrderSpec{
		Asset:      info.index,
		IsBuy:      req.Side == gateway.SideBuy,
		Price:      px,
		Size:       sz,
		ReduceOnly: req.ReduceOnly,
		Tif:        tif,
		Cloid:      cloid,
	}.Wire()
	if err != nil {
		return gateway.Order{}, err
	}
	statuses, err := a.ex.PlaceOrders(ctx, []exchange.OrderWire{wire})
	if err != nil {
		return gateway.Order{}, err
	}
	st := statuses[0]
	if err := st.Err(); err != nil {
		return gateway.Order{}, err
	}
	order := gateway.Order{
		ID:         strconv.FormatInt(st.OrderID, 10),
		ClientID:   cloid,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     gateway.StatusNew,
		Price:      px.InexactFloat64(),
		Quantity:   sz.InexactFloat64(),
		ReduceOnly: req.ReduceOnly,
		UpdatedAt:  time.Now(),
	}
	if st.Filled {
		order.Status = gateway.StatusFilled
		order.Filled = st.TotalSize
		if st.AveragePx > 0 {
			order.Price = st.AveragePx
		}
	}
	return order, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.CancelOrders(ctx, symbol, []string{orderID})
}

// CancelOrders cancels ids in one action. It fails with the first hard error,
// or with an unknown-order error when every failure was an already-resolved
// order.
func (a *Adapter) CancelOrders(ctx context.Context, symbol string, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	info, err := a.asset(symbol)
	if err != nil {
		return err
	}
	cancels := make([]exchange.CancelWire, 0, len(orderIDs))
	for _, id := range orderIDs {
		oid, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return fmt.Errorf("order id %q: %w", id, gateway.ErrUnknownOrder)
		}
		cancels = append(cancels, exchange.CancelWire{Asset: info.index, OrderID: oid})
	}
	statuses, err := a.ex.CancelOrders(ctx, cancels)
	if err != nil {
		return err
	}
	var unknown error
	for _, st := range statuses {
		err := st.Err()
		switch {
		case err == nil:
		case gateway.IsUnknownOrder(err):
			if unknown == nil {
				unknown = err
			}
		default:
			return err
		}
	}
	return unknown
}

// CancelAllOrders cancels every open order on symbol for the configured user.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	open, err := a.info.OpenOrders(ctx, a.cfg.User)
	if err != nil {
		return err
	}
	var ids []string
	for _, o := range open {
		if strings.EqualFold(o.Coin, symbol) {
			ids = append(ids, strconv.FormatInt(o.Oid, 10))
		}
	}
	if len(ids) == 0 {
		return nil
	}
	a.log.Info("cancelling open orders", zap.String("symbol", symbol), zap.Int("count", len(ids)))
	return a.CancelOrders(ctx, symbol, ids)
}

func (a *Adapter) marketPrice(ctx context.Context, symbol string, side gateway.Side) (float64, error) {
	a.mu.RLock()
	depth, ok := a.books[strings.ToUpper(symbol)]
	a.mu.RUnlock()
	if !ok {
		var raw map[string]any
		if err := a.info.InfoInto(ctx, rest.InfoRequest{Type: "l2Book", Coin: symbol}, &raw); err != nil {
			return 0, fmt.Errorf("fetch book: %w", err)
		}
		if depth, ok = parseBook(raw); !ok {
			return 0, fmt.Errorf("empty book for %s", symbol)
		}
	}
	if side == gateway.SideBuy {
		lvl, ok := depth.BestAsk()
		if !ok {
			return 0, fmt.Errorf("no asks for %s", symbol)
		}
		return lvl.Price * (1 + a.cfg.MarketSlippage), nil
	}
	lvl, ok := depth.BestBid()
	if !ok {
		return 0, fmt.Errorf("no bids for %s", symbol)
	}
	return lvl.Price * (1 - a.cfg.MarketSlippage), nil
}

// NormalizePrice rounds px to 5 significant figures and at most
// 6 - szDecimals decimals. Integer prices are always valid.
func NormalizePrice(px float64, szDecimals int) float64 {
	return normalizePrice(px, szDecimals).InexactFloat64()
}

func normalizePrice(px float64, szDecimals int) decimal.Decimal {
	if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
		return decimal.Zero
	}
	d := decimal.NewFromFloat(px)
	if d.GreaterThanOrEqual(decimal.NewFromInt(100_000)) {
		return d.Round(0)
	}
	sig, err := decimal.NewFromString(strconv.FormatFloat(px, 'g', priceSigFigs, 64))
	if err != nil {
		return decimal.Zero
	}
	decimals := maxPriceDecimals - szDecimals
	if decimals < 0 {
		decimals = 0
	}
	return sig.Round(int32(decimals))
}

// NormalizeSize truncates qty to szDecimals.
func NormalizeSize(qty float64, szDecimals int) float64 {
	return normalizeSize(qty, szDecimals).InexactFloat64()
}

func normalizeSize(qty float64, szDecimals int) decimal.Decimal {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(qty).Truncate(int32(szDecimals))
}

func newCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
