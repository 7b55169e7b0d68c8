// internal/clients/telegram_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"lendingdesk/internal/notify"
)

const DefaultTelegramURL = "https://api.telegram.org"

// TelegramClient sends chat messages through the Bot API. Sends are rate
// limited to stay under the bot's flood limits.
type TelegramClient struct {
	baseURL     string
	token       string
	adminChatID int64
	http        *http.Client
	rateLimiter *rate.Limiter
}

var _ notify.Sender = (*TelegramClient)(nil)

// NewTelegramClient allows perSecond messages per second. A non-positive
// value disables the limit.
func NewTelegramClient(baseURL, token string, adminChatID int64, perSecond float64) *TelegramClient {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &TelegramClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		adminChatID: adminChatID,
		http:        &http.Client{Timeout: 10 * time.Second},
		rateLimiter: rate.NewLimiter(limit, burst),
	}
}

func (c *TelegramClient) SendToUser(ctx context.Context, chatID int64, text string) error {
	return c.sendMessage(ctx, chatID, text)
}

func (c *TelegramClient) SendToAdminChannel(ctx context.Context, text string) error {
	if c.adminChatID == 0 {
		return fmt.Errorf("admin chat is not configured")
	}
	return c.sendMessage(ctx, c.adminChatID, text)
}

func (c *TelegramClient) sendMessage(ctx context.Context, chatID int64, text string) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !result.OK {
		return fmt.Errorf("telegram sendMessage to %d failed (%d): %s", chatID, resp.StatusCode, result.Description)
	}
	return nil
}
