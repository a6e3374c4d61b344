package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_maker_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry: registry,
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.Metrics = &Metrics{
		OrdersPlaced:    p.counter("orders_placed_total", "Total number of orders accepted by the exchange."),
		OrdersFailed:    p.counter("orders_failed_total", "Total number of order placement failures."),
		OrdersCanceled:  p.counter("orders_canceled_total", "Total number of orders cancelled or found already gone."),
		MarketCloses:    p.counter("market_closes_total", "Total number of reduce-only market closes submitted."),
		GuardRejections: p.counter("guard_rejections_total", "Total number of market closes rejected by the price deviation guard."),
		StopLosses:      p.counter("stop_losses_total", "Total number of stop-loss triggers."),
		RateLimited:     p.counter("rate_limited_total", "Total number of rate limit responses from the exchange."),
		MarginRetries:   p.counter("margin_retries_total", "Total number of entry retries after margin rejection."),
		TradesRecorded:  p.counter("trades_recorded_total", "Total number of own executions recorded."),
		Position:        p.gauge("position_amount", "Signed position amount for the traded symbol."),
		UnrealizedPnL:   p.gauge("unrealized_pnl", "Unrealized PnL of the open position at top of book."),
		RateLimitMode:   p.gauge("rate_limit_mode", "Rate limit controller state: 0 normal, 1 degraded, 2 paused."),
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return promGauge{g}
}
