package gateway

import (
	"context"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Active reports whether an order with this status can still rest on the book.
func (s OrderStatus) Active() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

type Order struct {
	ID         string
	ClientID   string
	Symbol     string
	Side       Side
	Type       OrderType
	Status     OrderStatus
	Price      float64
	Quantity   float64
	Filled     float64
	ReduceOnly bool
	UpdatedAt  time.Time
}

type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   float64
	Price      float64
	ReduceOnly bool
}

type Position struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

type Account struct {
	Positions    []Position
	AccountValue float64
	Withdrawable float64
	UpdatedAt    time.Time
}

// Position returns the position for symbol, or a flat zero position.
func (a Account) Position(symbol string) Position {
	for _, p := range a.Positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p
		}
	}
	return Position{Symbol: symbol}
}

type Level struct {
	Price    float64
	Quantity float64
}

type Depth struct {
	Symbol string
	Bids   []Level
	Asks   []Level
	Time   time.Time
}

func (d Depth) BestBid() (Level, bool) {
	if len(d.Bids) == 0 || d.Bids[0].Price <= 0 {
		return Level{}, false
	}
	return d.Bids[0], true
}

func (d Depth) BestAsk() (Level, bool) {
	if len(d.Asks) == 0 || d.Asks[0].Price <= 0 {
		return Level{}, false
	}
	return d.Asks[0], true
}

type Ticker struct {
	Symbol    string
	LastPrice float64
	MarkPrice float64
	MidPrice  float64
	Volume24h float64
	Time      time.Time
}

type Kline struct {
	Symbol   string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Trade is one execution of one of our own orders.
type Trade struct {
	ID          string
	OrderID     string
	Symbol      string
	Side        Side
	Price       float64
	Quantity    float64
	Commission  float64
	RealizedPnL float64
	Maker       bool
	Time        time.Time
}

func (t Trade) QuoteQuantity() float64 {
	return t.Price * t.Quantity
}

// Gateway is the exchange surface the strategy engine consumes. Subscribe
// callbacks may be invoked from any goroutine.
type Gateway interface {
	SubscribeAccount(fn func(Account)) func()
	SubscribeOrders(fn func([]Order)) func()
	SubscribeDepth(fn func(Depth)) func()
	SubscribeTicker(fn func(Ticker)) func()
	SubscribeKlines(fn func(Kline)) func()
	SubscribeTrades(fn func(Trade)) func()

	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelOrders(ctx context.Context, symbol string, orderIDs []string) error
	CancelAllOrders(ctx context.Context, symbol string) error
}
