package timescale

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hl-maker-bot/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedExec struct {
	query string
	args  []any
}

type fakeDB struct {
	mu    sync.Mutex
	execs []recordedExec
	fail  string
	done  chan struct{}
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	f.execs = append(f.execs, recordedExec{query: query, args: args})
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	if f.fail != "" && strings.Contains(query, f.fail) {
		return nil, errors.New("boom")
	}
	return nil, nil
}

func (f *fakeDB) queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.execs))
	for _, e := range f.execs {
		out = append(out, e.query)
	}
	return out
}

func TestNewDisabledReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, nil)
	require.NoError(t, err)
	require.Nil(t, w)
	// nil writers accept every call.
	w.Start(context.Background())
	w.EnqueueHourly(HourlyStats{})
	w.EnqueuePosition(PositionSnapshot{})
	w.EnqueueCandle(Candle{})
	assert.NoError(t, w.Close())
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	db := &fakeDB{}
	w := newWriter(db, "bot", 4, nil)
	require.NoError(t, w.ensureSchema(context.Background()))
	joined := strings.Join(db.queries(), "\n")
	for _, want := range []string{
		"CREATE SCHEMA IF NOT EXISTS bot",
		"bot.market_ohlc",
		"bot.position_snapshots",
		"bot.hourly_trading_stats",
		"create_hypertable('bot.hourly_trading_stats'",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestEnsureSchemaToleratesMissingExtension(t *testing.T) {
	db := &fakeDB{fail: "CREATE EXTENSION"}
	w := newWriter(db, "", 4, nil)
	require.NoError(t, w.ensureSchema(context.Background()), "missing extension tolerated")
	for _, q := range db.queries() {
		assert.NotContains(t, q, "create_hypertable")
	}
}

func TestWriterDrainsHourlyStats(t *testing.T) {
	db := &fakeDB{done: make(chan struct{}, 4)}
	w := newWriter(db, "", 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	w.EnqueueHourly(HourlyStats{WindowStart: start, Symbol: "ETH", MakerCount: 4, TakerCount: 1, Volume: 1000, PointsRate: 0.001})

	select {
	case <-db.done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for insert")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	got := db.execs[0]
	assert.Contains(t, got.query, "public.hourly_trading_stats")
	require.Len(t, got.args, 8)
	assert.Equal(t, start, got.args[0])
	assert.Equal(t, "ETH", got.args[1])
	assert.Equal(t, 4, got.args[2])
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newWriter(&fakeDB{}, "", 1, nil)
	w.EnqueuePosition(PositionSnapshot{Symbol: "ETH"})
	w.EnqueuePosition(PositionSnapshot{Symbol: "ETH"})
	w.EnqueuePosition(PositionSnapshot{Symbol: "ETH"})
	assert.EqualValues(t, 2, w.dropPos.Load())
}
