package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hl-maker-bot/internal/gateway"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client submits signed order and cancel actions to /exchange.
type Client struct {
	baseURL       string
	http          *http.Client
	signer        *Signer
	vaultAddress  *common.Address
	limiter       *rate.Limiter
	log           *zap.Logger
	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type NonceState struct {
	Key       string
	Last      uint64
	Persisted uint64
}

func NewClient(baseURL string, timeout time.Duration, signer *Signer, vaultAddress string, log *zap.Logger) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if baseURL == "" {
		baseURL = "https://api.hyperliquid.xyz"
	}
	if log == nil {
		log = zap.NewNop()
	}
	var vault *common.Address
	if strings.TrimSpace(vaultAddress) != "" {
		addr := common.HexToAddress(vaultAddress)
		vault = &addr
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		signer:       signer,
		vaultAddress: vault,
		log:          log,
	}, nil
}

// SetRateLimit paces outgoing actions. rps <= 0 removes pacing.
func (c *Client) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		c.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// PlaceOrders submits orders as one action and returns one status per order.
func (c *Client) PlaceOrders(ctx context.Context, orders []OrderWire) ([]Status, error) {
	action := OrderAction{Type: "order", Orders: orders, Grouping: "na"}
	nonce := c.nextNonce()
	sig, err := c.signer.SignOrderAction(action, nonce, c.vaultAddress, nil)
	if err != nil {
		return nil, err
	}
	return c.postAction(ctx, action, sig, nonce, len(orders))
}

// CancelOrders cancels by exchange order id in one action.
func (c *Client) CancelOrders(ctx context.Context, cancels []CancelWire) ([]Status, error) {
	action := CancelAction{Type: "cancel", Cancels: cancels}
	nonce := c.nextNonce()
	sig, err := c.signer.SignCancelAction(action, nonce, c.vaultAddress, nil)
	if err != nil {
		return nil, err
	}
	return c.postAction(ctx, action, sig, nonce, len(cancels))
}

func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceStoreKey(c.baseURL, c.signer, c.vaultAddress)
	seed := uint64(time.Now().UnixMilli())
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		seed = max(seed, parsed)
	}
	seed = max(seed, c.lastNonce.Load())
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

func (c *Client) NonceState() (NonceState, bool) {
	if c.nonceStore == nil {
		return NonceState{}, false
	}
	return NonceState{
		Key:       c.nonceKey,
		Last:      c.lastNonce.Load(),
		Persisted: c.lastPersisted.Load(),
	}, true
}

// nextNonce is the current unix millisecond, bumped past the previous nonce
// when the clock has not advanced.
func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.log != nil && c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string, signer *Signer, vaultAddress *common.Address) string {
	addr := "unknown"
	if signer != nil {
		addr = strings.ToLower(signer.Address().Hex())
	}
	vault := "none"
	if vaultAddress != nil {
		vault = strings.ToLower(vaultAddress.Hex())
	}
	return fmt.Sprintf("exchange:nonce:%s:%s:%s", strings.ToLower(strings.TrimSpace(baseURL)), addr, vault)
}

func (c *Client) postAction(ctx context.Context, action any, sig Signature, nonce uint64, expected int) ([]Status, error) {
	payload := SignedAction{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}
	if c.vaultAddress != nil {
		addr := c.vaultAddress.Hex()
		payload.VaultAddress = &addr
	}
	body, err := c.post(ctx, "/exchange", payload)
	if err != nil {
		return nil, err
	}
	statuses, err := ParseStatuses(body)
	if err != nil {
		return nil, err
	}
	if len(statuses) != expected {
		return statuses, fmt.Errorf("exchange returned %d statuses for %d requests", len(statuses), expected)
	}
	return statuses, nil
}

func (c *Client) post(ctx context.Context, path string, req any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > 2048 {
			data = data[:2048]
		}
		return nil, &gateway.APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}
