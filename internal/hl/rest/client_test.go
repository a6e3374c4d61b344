package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hl-maker-bot/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetaDecodesUniverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		var req InfoRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "meta", req.Type)
		_, _ = w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":40},{"name":"ETH","szDecimals":4}]}`))
	}))
	defer srv.Close()

	client := New(srv.URL+"/", time.Second, 0, 0, zap.NewNop())
	meta, err := client.Meta(context.Background())
	require.NoError(t, err)
	require.Len(t, meta.Universe, 2)
	assert.Equal(t, "ETH", meta.Universe[1].Name)
	assert.Equal(t, 5, meta.Universe[0].SzDecimals)
}

func TestOpenOrdersSendsUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InfoRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "openOrders", req.Type)
		assert.Equal(t, "0xabc", req.User)
		_, _ = w.Write([]byte(`[{"coin":"BTC","side":"B","limitPx":"100.5","sz":"0.01","oid":42,"timestamp":1}]`))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, 0, 0, nil)
	orders, err := client.OpenOrders(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.EqualValues(t, 42, orders[0].Oid)
	assert.Equal(t, "B", orders[0].Side)
}

func TestHTTP429IsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, 100, 1, zap.NewNop())
	_, err := client.Info(context.Background(), InfoRequest{Type: "allMids"})
	assert.True(t, gateway.IsRateLimit(err), "got %v", err)
}

func TestLimiterHonoursContext(t *testing.T) {
	client := New("http://127.0.0.1:0", time.Second, 0.001, 1, nil)
	// Drain the single token.
	_ = client.limiter.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.Info(ctx, InfoRequest{Type: "meta"})
	assert.Error(t, err)
}
