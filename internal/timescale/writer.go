package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-maker-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Candle struct {
	Symbol   string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

type PositionSnapshot struct {
	Time          time.Time
	Symbol        string
	Variant       string
	RateLimit     string
	Position      float64
	EntryPrice    float64
	Bid           float64
	Ask           float64
	RealizedPnL   float64
	UnrealizedPnL float64
	SessionVolume float64
	OpenOrders    int
}

type HourlyStats struct {
	WindowStart time.Time
	Symbol      string
	MakerCount  int
	TakerCount  int
	TotalFees   float64
	RealizedPnL float64
	Volume      float64
	PointsRate  float64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer drains bounded queues into Timescale on one goroutine. Enqueue never
// blocks; a full queue drops the row.
type Writer struct {
	db         execer
	closer     func() error
	log        *zap.Logger
	schema     string
	positions  chan PositionSnapshot
	candles    chan Candle
	hourly     chan HourlyStats
	started    atomic.Bool
	dropPos    atomic.Uint64
	dropCandle atomic.Uint64
	dropHourly atomic.Uint64
}

// New opens the database and ensures the tables. It returns a nil writer when
// timescale is disabled; every method is safe on a nil writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	writer.closer = db.Close
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db execer, schema string, queueSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		positions: make(chan PositionSnapshot, queueSize),
		candles:   make(chan Candle, queueSize),
		hourly:    make(chan HourlyStats, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.closer == nil {
		return nil
	}
	return w.closer()
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Writer) EnqueueCandle(candle Candle) {
	if w == nil {
		return
	}
	select {
	case w.candles <- candle:
	default:
		if w.dropCandle.Add(1) == 1 {
			w.log.Warn("timescale candle queue full")
		}
	}
}

func (w *Writer) EnqueueHourly(stats HourlyStats) {
	if w == nil {
		return
	}
	select {
	case w.hourly <- stats:
	default:
		if w.dropHourly.Add(1) == 1 {
			w.log.Warn("timescale hourly stats queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		case candle := <-w.candles:
			w.writeCandle(ctx, candle)
		case stats := <-w.hourly:
			w.writeHourly(ctx, stats)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol, interval)
	)`, w.table("market_ohlc")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		variant TEXT NOT NULL,
		rate_limit TEXT NOT NULL,
		position DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		bid DOUBLE PRECISION NOT NULL,
		ask DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		session_volume DOUBLE PRECISION NOT NULL,
		open_orders INTEGER NOT NULL
	)`, w.table("position_snapshots")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		maker_count INTEGER NOT NULL,
		taker_count INTEGER NOT NULL,
		total_fees DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		points_rate DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("hourly_trading_stats")),
	}
	for _, stmt := range tables {
		if err := w.exec(ctx, stmt); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_ohlc", "position_snapshots", "hourly_trading_stats"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, variant, rate_limit, position, entry_price, bid, ask,
		realized_pnl, unrealized_pnl, session_volume, open_orders
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Symbol,
		snap.Variant,
		snap.RateLimit,
		snap.Position,
		snap.EntryPrice,
		snap.Bid,
		snap.Ask,
		snap.RealizedPnL,
		snap.UnrealizedPnL,
		snap.SessionVolume,
		snap.OpenOrders,
	); err != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCandle(ctx context.Context, candle Candle) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, interval, open, high, low, close, volume
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)
	ON CONFLICT (ts, symbol, interval) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume`, w.table("market_ohlc"))
	if _, err := w.db.ExecContext(ctx, query,
		candle.Start,
		candle.Symbol,
		candle.Interval,
		candle.Open,
		candle.High,
		candle.Low,
		candle.Close,
		candle.Volume,
	); err != nil {
		w.log.Warn("timescale candle upsert failed", zap.Error(err))
	}
}

func (w *Writer) writeHourly(ctx context.Context, stats HourlyStats) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, maker_count, taker_count, total_fees, realized_pnl, volume, points_rate
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)
	ON CONFLICT (ts, symbol) DO NOTHING`, w.table("hourly_trading_stats"))
	if _, err := w.db.ExecContext(ctx, query,
		stats.WindowStart,
		stats.Symbol,
		stats.MakerCount,
		stats.TakerCount,
		stats.TotalFees,
		stats.RealizedPnL,
		stats.Volume,
		stats.PointsRate,
	); err != nil {
		w.log.Warn("timescale hourly stats insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
