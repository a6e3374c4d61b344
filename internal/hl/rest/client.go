package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"hl-maker-bot/internal/gateway"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// New builds an /info client. requestsPerSecond <= 0 disables client-side
// pacing.
func New(baseURL string, timeout time.Duration, requestsPerSecond float64, burst int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
		log:     log,
	}
}

type InfoRequest struct {
	Type     string `json:"type"`
	User     string `json:"user,omitempty"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

func (c *Client) Info(ctx context.Context, req interface{}) (map[string]any, error) {
	var data map[string]any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) InfoAny(ctx context.Context, req interface{}) (any, error) {
	var data any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// InfoInto decodes the /info response for req into out.
func (c *Client) InfoInto(ctx context.Context, req interface{}, out any) error {
	return c.post(ctx, "/info", req, out)
}

type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

// Meta returns the perp universe. An asset's index in Universe is its order
// asset id.
func (c *Client) Meta(ctx context.Context) (Meta, error) {
	var meta Meta
	err := c.InfoInto(ctx, InfoRequest{Type: "meta"}, &meta)
	return meta, err
}

type OpenOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	OrigSz    string `json:"origSz"`
	Cloid     string `json:"cloid,omitempty"`
}

func (c *Client) OpenOrders(ctx context.Context, user string) ([]OpenOrder, error) {
	var orders []OpenOrder
	err := c.InfoInto(ctx, InfoRequest{Type: "openOrders", User: user}, &orders)
	return orders, err
}

func (c *Client) post(ctx context.Context, path string, req interface{}, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &gateway.APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
