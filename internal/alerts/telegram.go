package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hl-maker-bot/internal/config"
	"hl-maker-bot/internal/engine"
	"hl-maker-bot/internal/events"

	"go.uber.org/zap"
)

const (
	telegramBaseURL  = "https://api.telegram.org"
	defaultQueueSize = 32
)

// Telegram posts alert messages to one chat. Delivery is best effort: failed
// sends are logged and dropped.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	queue   chan engine.Alert
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		queue:   make(chan engine.Alert, defaultQueueSize),
	}
}

// Attach queues every alert published on bus. The returned func detaches.
func (t *Telegram) Attach(bus *events.Bus) func() {
	return bus.Subscribe(engine.EventAlert, func(payload any) {
		alert, ok := payload.(engine.Alert)
		if !ok || !t.enabled {
			return
		}
		select {
		case t.queue <- alert:
		default:
			t.log.Warn("telegram queue full, dropping alert", zap.String("kind", string(alert.Kind)))
		}
	})
}

// Run delivers queued alerts until ctx is done.
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-t.queue:
			if err := t.Send(ctx, FormatAlert(alert)); err != nil {
				t.log.Warn("telegram alert failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
			}
		}
	}
}

func FormatAlert(alert engine.Alert) string {
	title := strings.ToUpper(strings.ReplaceAll(string(alert.Kind), "_", " "))
	ts := alert.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("[%s] %s\n%s\n%s", alert.Symbol, title, alert.Message, ts.UTC().Format(time.RFC3339))
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}
