package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	OrdersCanceled  Counter
	MarketCloses    Counter
	GuardRejections Counter
	StopLosses      Counter
	RateLimited     Counter
	MarginRetries   Counter
	TradesRecorded  Counter

	Position      Gauge
	UnrealizedPnL Gauge
	RateLimitMode Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		OrdersCanceled:  n,
		MarketCloses:    n,
		GuardRejections: n,
		StopLosses:      n,
		RateLimited:     n,
		MarginRetries:   n,
		TradesRecorded:  n,
		Position:        g,
		UnrealizedPnL:   g,
		RateLimitMode:   g,
	}
}
