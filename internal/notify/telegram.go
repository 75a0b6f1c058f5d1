package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken        string
	ChatID          string
	CooldownSeconds int
	APIBase         string // Defaults to https://api.telegram.org
}

// Validate checks the Telegram configuration
func (c TelegramConfig) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if c.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required")
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown seconds cannot be negative")
	}
	return nil
}

// telegramResponse represents the response from the Bot API
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// TelegramSink sends a chat message per saved clip. Messages for the same
// label set are rate limited by the cooldown.
type TelegramSink struct {
	cfg        TelegramConfig
	httpClient *http.Client
	cooldown   time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewTelegramSink creates a Telegram sink
func NewTelegramSink(cfg TelegramConfig) *TelegramSink {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cfg.CooldownSeconds == 0 {
		cooldown = 30 * time.Second
	}
	return &TelegramSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cooldown:   cooldown,
		lastSent:   make(map[string]time.Time),
	}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, s Summary) error {
	key := cooldownKey(s.ClassNames)
	if !t.allow(key) {
		return ErrSuppressed
	}

	payload := map[string]any{
		"chat_id":    t.cfg.ChatID,
		"text":       formatAlert(s),
		"parse_mode": "HTML",
	}
	if err := t.call(ctx, "sendMessage", payload); err != nil {
		return err
	}

	t.mu.Lock()
	t.lastSent[key] = time.Now()
	t.mu.Unlock()
	return nil
}

func (t *TelegramSink) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastSent[key]
	return !ok || time.Since(last) >= t.cooldown
}

// call sends a Bot API request
func (t *TelegramSink) call(ctx context.Context, method string, payload map[string]any) error {
	url := fmt.Sprintf("%s/bot%s/%s", strings.TrimSuffix(t.cfg.APIBase, "/"), t.cfg.BotToken, method)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error %d: %s", tr.ErrorCode, tr.Description)
	}
	return nil
}

func cooldownKey(classes []string) string {
	sorted := append([]string(nil), classes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func formatAlert(s Summary) string {
	var b strings.Builder
	b.WriteString("🚨 <b>Violation detected</b>\n\n")
	fmt.Fprintf(&b, "Event: #%d\n", s.EventID)
	fmt.Fprintf(&b, "Classes: %s\n", html.EscapeString(strings.Join(s.ClassNames, ", ")))
	if s.AvgConf != nil {
		fmt.Fprintf(&b, "Confidence: %.0f%%\n", *s.AvgConf*100)
	}
	fmt.Fprintf(&b, "At: %.1fs", s.TimeSec)
	if s.WallTimeFirst != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(s.WallTimeFirst))
	}
	if s.RunID != "" {
		fmt.Fprintf(&b, "\nRun: %s", html.EscapeString(s.RunID))
	}
	return b.String()
}

var _ Sink = (*TelegramSink)(nil)
