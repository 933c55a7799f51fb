package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramNotifier 通过 Telegram Bot API 推送触发的告警。价格更新不推送。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// PublishPriceUpdate is a no-op; Telegram only carries alerts.
func (n *TelegramNotifier) PublishPriceUpdate(context.Context, PriceUpdate) error {
	return nil
}

// PublishAlertTriggered 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) PublishAlertTriggered(ctx context.Context, alert AlertTriggered) error {
	if err := n.send(ctx, renderMessage(alert)); err != nil {
		return err
	}
	n.logger.Info().Str("alert_id", alert.AlertID).
		Str("asset", alert.AssetID).
		Str("owner", alert.OwnerID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}
	return nil
}

func renderMessage(alert AlertTriggered) string {
	var b strings.Builder
	b.WriteString("[Price Alert]\n")
	fmt.Fprintf(&b, "Coin: %s\n", alert.AssetID)
	fmt.Fprintf(&b, "Condition: %s %s USD\n", alert.Condition, alert.Threshold.String())
	fmt.Fprintf(&b, "Current: %s USD\n", alert.CurrentPrice.String())
	fmt.Fprintf(&b, "Owner: %s\n", alert.OwnerID)
	fmt.Fprintf(&b, "Time: %s UTC", alert.TriggeredAt.UTC().Format(time.RFC3339))
	return b.String()
}

var _ Sink = (*TelegramNotifier)(nil)
