package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"hl-maker-bot/internal/gateway"
	"hl-maker-bot/internal/hl/exchange"
	"hl-maker-bot/internal/hl/rest"
	"hl-maker-bot/internal/hl/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	meta   rest.Meta
	open   []rest.OpenOrder
	book   map[string]any
	bookRq int
}

func (f *fakeInfo) Meta(context.Context) (rest.Meta, error) { return f.meta, nil }

func (f *fakeInfo) OpenOrders(context.Context, string) ([]rest.OpenOrder, error) {
	return f.open, nil
}

func (f *fakeInfo) InfoInto(_ context.Context, req interface{}, out any) error {
	f.bookRq++
	if f.book == nil {
		return errors.New("no book")
	}
	raw, err := json.Marshal(f.book)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type fakeExchange struct {
	mu       sync.Mutex
	placed   []exchange.OrderWire
	canceled []exchange.CancelWire
	place    []exchange.Status
	cancel   []exchange.Status
	err      error
}

func (f *fakeExchange) PlaceOrders(_ context.Context, orders []exchange.OrderWire) ([]exchange.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, orders...)
	if f.err != nil {
		return nil, f.err
	}
	return f.place, nil
}

func (f *fakeExchange) CancelOrders(_ context.Context, cancels []exchange.CancelWire) ([]exchange.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, cancels...)
	if f.err != nil {
		return nil, f.err
	}
	if f.cancel != nil {
		return f.cancel, nil
	}
	out := make([]exchange.Status, len(cancels))
	return out, nil
}

type fakeStream struct {
	subs []ws.Subscription
	run  chan struct{}
}

func (f *fakeStream) Subscribe(_ context.Context, sub ws.Subscription) error {
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeStream) Run(ctx context.Context, _ ws.Handler) error {
	close(f.run)
	<-ctx.Done()
	return ctx.Err()
}

func newTestAdapter(t *testing.T, info *fakeInfo, ex *fakeExchange) *Adapter {
	t.Helper()
	if info.meta.Universe == nil {
		info.meta.Universe = []rest.AssetMeta{{Name: "BTC", SzDecimals: 5}, {Name: "ETH", SzDecimals: 4}}
	}
	a := New(Config{User: "0xabc", Symbols: []string{"ETH"}, MarketSlippage: 0.01}, info, ex, nil, nil)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func push(t *testing.T, a *Adapter, channel string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	a.handle(ws.Message{Channel: channel, Data: raw})
}

func ethBook() map[string]any {
	return map[string]any{
		"coin": "ETH",
		"time": 1700000000000,
		"levels": []any{
			[]any{map[string]any{"px": "2000.5", "sz": "3", "n": 2}},
			[]any{map[string]any{"px": "2001.5", "sz": "1", "n": 1}},
		},
	}
}

func TestStartSubscribesFeeds(t *testing.T) {
	stream := &fakeStream{run: make(chan struct{})}
	info := &fakeInfo{meta: rest.Meta{Universe: []rest.AssetMeta{{Name: "ETH", SzDecimals: 4}}}}
	a := New(Config{User: "0xabc", Symbols: []string{"ETH"}, CandleInterval: "5m"}, info, &fakeExchange{}, stream, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	<-stream.run

	types := make([]string, 0, len(stream.subs))
	for _, sub := range stream.subs {
		types = append(types, sub.Type)
	}
	assert.Equal(t, []string{"l2Book", "activeAssetCtx", "candle", "webData2", "userFills"}, types)
	assert.Equal(t, "5m", stream.subs[2].Interval)
	assert.Equal(t, "0xabc", stream.subs[4].User)
}

func TestStartRejectsUnknownSymbol(t *testing.T) {
	info := &fakeInfo{meta: rest.Meta{Universe: []rest.AssetMeta{{Name: "BTC"}}}}
	a := New(Config{Symbols: []string{"DOGE"}}, info, &fakeExchange{}, nil, nil)
	require.Error(t, a.Start(context.Background()))
}

func TestCreateLimitOrderUsesConfiguredTif(t *testing.T) {
	ex := &fakeExchange{place: []exchange.Status{{OrderID: 42, Resting: true}}}
	a := newTestAdapter(t, &fakeInfo{}, ex)

	order, err := a.CreateOrder(context.Background(), gateway.OrderRequest{
		Symbol: "ETH", Side: gateway.SideBuy, Type: gateway.OrderTypeLimit, Quantity: 0.123456, Price: 2000.123,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", order.ID)
	assert.Equal(t, gateway.StatusNew, order.Status)
	assert.InDelta(t, 0.1234, order.Quantity, 1e-12)
	assert.InDelta(t, 2000.1, order.Price, 1e-9)

	require.Len(t, ex.placed, 1)
	wire := ex.placed[0]
	assert.Equal(t, 1, wire.Asset)
	assert.True(t, wire.IsBuy)
	assert.Equal(t, exchange.TifAlo, wire.OrderType.Limit.Tif)
	assert.Equal(t, "0.1234", wire.Size)
	assert.Len(t, wire.Cloid, 34)
	assert.Equal(t, wire.Cloid, order.ClientID)
}

func TestCreateMarketOrderCrossesCachedBook(t *testing.T) {
	ex := &fakeExchange{place: []exchange.Status{{OrderID: 7, Filled: true, TotalSize: 0.5, AveragePx: 2001.5}}}
	info := &fakeInfo{}
	a := newTestAdapter(t, info, ex)
	push(t, a, "l2Book", ethBook())

	order, err := a.CreateOrder(context.Background(), gateway.OrderRequest{
		Symbol: "ETH", Side: gateway.SideBuy, Type: gateway.OrderTypeMarket, Quantity: 0.5, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusFilled, order.Status)
	assert.InDelta(t, 0.5, order.Filled, 1e-12)
	assert.InDelta(t, 2001.5, order.Price, 1e-9)
	assert.Zero(t, info.bookRq)

	wire := ex.placed[0]
	assert.Equal(t, exchange.TifIoc, wire.OrderType.Limit.Tif)
	assert.True(t, wire.ReduceOnly)
	// 2001.5 * 1.01 = 2021.515, five significant figures.
	assert.Equal(t, "2021.5", wire.Price)
}

func TestCreateMarketOrderFetchesBookWhenUncached(t *testing.T) {
	ex := &fakeExchange{place: []exchange.Status{{OrderID: 8, Resting: true}}}
	info := &fakeInfo{book: ethBook()}
	a := newTestAdapter(t, info, ex)

	_, err := a.CreateOrder(context.Background(), gateway.OrderRequest{
		Symbol: "ETH", Side: gateway.SideSell, Type: gateway.OrderTypeMarket, Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, info.bookRq)
	assert.False(t, ex.placed[0].IsBuy)
	// 2000.5 * 0.99 = 1980.495
	assert.Equal(t, "1980.5", ex.placed[0].Price)
}

func TestCreateOrderStatusErrorIsClassified(t *testing.T) {
	ex := &fakeExchange{place: []exchange.Status{{Error: "Insufficient margin to place order. asset=4"}}}
	a := newTestAdapter(t, &fakeInfo{}, ex)

	_, err := a.CreateOrder(context.Background(), gateway.OrderRequest{
		Symbol: "ETH", Side: gateway.SideSell, Type: gateway.OrderTypeLimit, Quantity: 1, Price: 2100,
	})
	require.Error(t, err)
	assert.Equal(t, gateway.KindInsufficientMargin, gateway.Classify(err))
}

func TestCreateOrderRejectsDustSize(t *testing.T) {
	ex := &fakeExchange{}
	a := newTestAdapter(t, &fakeInfo{}, ex)

	_, err := a.CreateOrder(context.Background(), gateway.OrderRequest{
		Symbol: "ETH", Side: gateway.SideBuy, Type: gateway.OrderTypeLimit, Quantity: 0.00001, Price: 2000,
	})
	require.Error(t, err)
	assert.Empty(t, ex.placed)
}

func TestCancelOrdersReportsUnknownOnlyWhenNoHardError(t *testing.T) {
	ex := &fakeExchange{cancel: []exchange.Status{
		{},
		{Error: "Order was never placed, already canceled, or filled."},
	}}
	a := newTestAdapter(t, &fakeInfo{}, ex)

	err := a.CancelOrders(context.Background(), "ETH", []string{"1", "2"})
	require.Error(t, err)
	assert.True(t, gateway.IsUnknownOrder(err))
	require.Len(t, ex.canceled, 2)
	assert.Equal(t, exchange.CancelWire{Asset: 1, OrderID: 2}, ex.canceled[1])

	ex.cancel = []exchange.Status{
		{Error: "Order was never placed, already canceled, or filled."},
		{Error: "something broke"},
	}
	err = a.CancelOrders(context.Background(), "ETH", []string{"1", "2"})
	require.Error(t, err)
	assert.False(t, gateway.IsUnknownOrder(err))
}

func TestCancelOrderRejectsMalformedID(t *testing.T) {
	a := newTestAdapter(t, &fakeInfo{}, &fakeExchange{})
	err := a.CancelOrder(context.Background(), "ETH", "abc")
	assert.True(t, gateway.IsUnknownOrder(err))
}

func TestCancelAllOrdersFiltersCoin(t *testing.T) {
	ex := &fakeExchange{}
	info := &fakeInfo{open: []rest.OpenOrder{
		{Coin: "ETH", Oid: 11},
		{Coin: "BTC", Oid: 12},
		{Coin: "eth", Oid: 13},
	}}
	a := newTestAdapter(t, info, ex)

	require.NoError(t, a.CancelAllOrders(context.Background(), "ETH"))
	assert.Equal(t, []exchange.CancelWire{{Asset: 1, OrderID: 11}, {Asset: 1, OrderID: 13}}, ex.canceled)

	ex.canceled = nil
	info.open = nil
	require.NoError(t, a.CancelAllOrders(context.Background(), "ETH"))
	assert.Empty(t, ex.canceled)
}

func TestPushesFanOutToSubscribers(t *testing.T) {
	a := newTestAdapter(t, &fakeInfo{}, &fakeExchange{})

	var depth gateway.Depth
	var orders []gateway.Order
	var account gateway.Account
	var trades []gateway.Trade
	a.SubscribeDepth(func(d gateway.Depth) { depth = d })
	a.SubscribeOrders(func(o []gateway.Order) { orders = o })
	a.SubscribeAccount(func(acc gateway.Account) { account = acc })
	a.SubscribeTrades(func(tr gateway.Trade) { trades = append(trades, tr) })
	a.SubscribeDepth(func(gateway.Depth) { panic("boom") })

	push(t, a, "l2Book", ethBook())
	bid, ok := depth.BestBid()
	require.True(t, ok)
	assert.InDelta(t, 2000.5, bid.Price, 1e-9)

	push(t, a, "webData2", map[string]any{
		"clearinghouseState": map[string]any{
			"assetPositions": []any{
				map[string]any{"position": map[string]any{"coin": "ETH", "szi": "-0.5", "entryPx": "2010", "positionValue": "1000"}},
			},
		},
		"openOrders": []any{
			map[string]any{"coin": "ETH", "side": "B", "limitPx": "1999", "sz": "0.5", "origSz": "1", "oid": 99},
		},
	})
	pos := account.Position("ETH")
	assert.InDelta(t, -0.5, pos.Amount, 1e-12)
	assert.InDelta(t, 2000, pos.MarkPrice, 1e-9)
	require.Len(t, orders, 1)
	assert.Equal(t, gateway.StatusPartiallyFilled, orders[0].Status)

	push(t, a, "userFills", map[string]any{"isSnapshot": true, "fills": []any{map[string]any{"coin": "ETH"}}})
	assert.Empty(t, trades)
	push(t, a, "userFills", map[string]any{"fills": []any{
		map[string]any{"coin": "ETH", "px": "2000", "sz": "0.1", "side": "A", "crossed": true, "fee": "0.05", "closedPnl": "-1.2", "oid": 5, "tid": 6},
	}})
	require.Len(t, trades, 1)
	assert.False(t, trades[0].Maker)
	assert.Equal(t, gateway.SideSell, trades[0].Side)
}

func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		px         float64
		szDecimals int
		want       float64
	}{
		{2000.123, 4, 2000.1},
		{0.0123456, 0, 0.012346},
		{0.0123456, 2, 0.0123},
		{123456.7, 5, 123457},
		{1.234567, 1, 1.2346},
		{-1, 2, 0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, NormalizePrice(tc.px, tc.szDecimals), 1e-12, "px=%v sz=%d", tc.px, tc.szDecimals)
	}
}

func TestNormalizeSize(t *testing.T) {
	assert.InDelta(t, 1.2345, NormalizeSize(1.23459, 4), 1e-12)
	assert.InDelta(t, 3, NormalizeSize(3.99, 0), 1e-12)
	assert.Zero(t, NormalizeSize(-1, 2))
}
