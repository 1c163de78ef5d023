package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramNotifier posts rendered events to a Telegram chat via the bot API.
type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	client   *resty.Client
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &TelegramNotifier{
		enabled:  enabled,
		botToken: botToken,
		chatID:   chatID,
		client:   client,
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, ev Event) error {
	if t == nil || !t.enabled {
		return nil
	}
	var parsed telegramSendMessageResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(telegramSendMessageRequest{
			ChatID: t.chatID,
			Text:   Render(ev),
		}).
		SetResult(&parsed).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	if resp.StatusCode() != 0 && len(resp.Body()) > 0 && !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
