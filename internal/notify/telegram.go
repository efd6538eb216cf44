package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ecerlabs/chainpay/internal/order"
)

// TelegramConfig holds Bot API settings for admin alerts.
type TelegramConfig struct {
	// BaseURL exists for tests; empty means the public Bot API.
	BaseURL string

	BotToken    string
	AdminChatID string

	HTTPTimeout time.Duration
}

// Telegram sends admin alerts through the Bot API. Deliveries are
// best-effort; a failed send is the caller's to log, never to retry into a
// duplicate alert.
type Telegram struct {
	cfg    TelegramConfig
	http   *http.Client
	logger *slog.Logger
}

// NewTelegram creates a Telegram admin notifier.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if cfg.BotToken == "" || cfg.AdminChatID == "" {
		return nil, fmt.Errorf("telegram: bot token and admin chat id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With("component", "telegram"),
	}, nil
}

// SendAdmin delivers one message to the admin chat.
func (t *Telegram) SendAdmin(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)

	form := url.Values{}
	form.Set("chat_id", t.cfg.AdminChatID)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	var res struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("telegram api: %s", res.Description)
	}
	return nil
}

// paidMessage renders the admin alert for a settled order.
func paidMessage(o order.Order, txID string) string {
	return fmt.Sprintf(
		"Payment received\nOrder: %s\nChain: %s\nAsset: %s\nAmount: %.8f\nFrom: %s\nTx: %s",
		o.ID, o.Chain, o.Asset, o.ExpectedAmount(), o.SenderWallet, txID,
	)
}
