// Package report renders the engine snapshot as plain text tables for the log.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hl-maker-bot/internal/engine"
	"hl-maker-bot/internal/stats"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"
)

type Source func() engine.Snapshot

type Reporter struct {
	source   Source
	interval time.Duration
	log      *zap.Logger
}

func New(source Source, interval time.Duration, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reporter{source: source, interval: interval, log: log}
}

// Run logs a status table every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

func (r *Reporter) Report() {
	snap := r.source()
	r.log.Info("status report\n"+Render(snap),
		zap.String("symbol", snap.Symbol),
		zap.Bool("ready", snap.Ready),
	)
}

func Render(snap engine.Snapshot) string {
	var b strings.Builder

	summary := table.NewWriter()
	summary.SetStyle(table.StyleLight)
	summary.SetTitle(fmt.Sprintf("%s %s", snap.Symbol, snap.Variant))
	summary.AppendRows([]table.Row{
		{"ready", snap.Ready},
		{"rate limit", string(snap.RateLimit)},
		{"bid / ask", fmt.Sprintf("%s / %s", num(snap.Bid), num(snap.Ask))},
		{"spread", num(snap.Spread)},
		{"position", fmt.Sprintf("%s %s @ %s", string(snap.Position.Side), num(snap.Position.Amount), num(snap.Position.EntryPrice))},
		{"pnl realized / unrealized", fmt.Sprintf("%s / %s", num(snap.RealizedPnL), num(snap.UnrealizedPnL))},
		{"session volume", num(snap.SessionVolume)},
		{"updated", stamp(snap.UpdatedAt)},
	})
	b.WriteString(summary.Render())
	b.WriteString("\n")

	statsTable := table.NewWriter()
	statsTable.SetStyle(table.StyleLight)
	statsTable.AppendHeader(table.Row{"window", "maker", "taker", "fees", "realized", "volume", "points rate"})
	for _, row := range []struct {
		name string
		s    stats.TradingStats
	}{
		{"total", snap.TotalStats},
		{"hourly", snap.HourlyStats},
	} {
		statsTable.AppendRow(table.Row{
			row.name, row.s.MakerCount, row.s.TakerCount,
			num(row.s.TotalFees), num(row.s.RealizedPnL), num(row.s.Volume),
			fmt.Sprintf("%.6f", row.s.PointsRate),
		})
	}
	statsTable.SetColumnConfigs(numericColumns(2, 7))
	b.WriteString(statsTable.Render())

	if len(snap.OpenOrders) > 0 {
		orders := table.NewWriter()
		orders.SetStyle(table.StyleLight)
		orders.AppendHeader(table.Row{"id", "side", "price", "qty", "filled", "status", "reduce"})
		for _, o := range snap.OpenOrders {
			orders.AppendRow(table.Row{o.ID, string(o.Side), num(o.Price), num(o.Quantity), num(o.Filled), string(o.Status), o.ReduceOnly})
		}
		orders.SetColumnConfigs(numericColumns(3, 5))
		b.WriteString("\n")
		b.WriteString(orders.Render())
	}
	return b.String()
}

func numericColumns(from, to int) []table.ColumnConfig {
	configs := make([]table.ColumnConfig, 0, to-from+1)
	for n := from; n <= to; n++ {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight})
	}
	return configs
}

func num(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
