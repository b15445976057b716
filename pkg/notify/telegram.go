package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samvad-hq/vidrelay/pkg/httpclient"
)

// telegramSink posts event text to a chat via the bot API.
type telegramSink struct {
	id      string
	chatID  string
	token   string
	baseURL string
	client  *resty.Client
}

func newTelegramSink(_ context.Context, cfg SinkConfig, _ Logger) (Sink, error) {
	if cfg.Telegram == nil {
		return nil, fmt.Errorf("notifier %q missing telegram configuration", cfg.ID)
	}
	return &telegramSink{
		id:      cfg.ID,
		chatID:  cfg.Telegram.ChatID,
		token:   cfg.Telegram.BotToken,
		baseURL: strings.TrimRight(cfg.Telegram.BaseURL, "/"),
		client:  httpclient.NewRestyHTTPClient(httpclient.Options{Timeout: 10 * time.Second}),
	}, nil
}

func (t *telegramSink) ID() string   { return t.id }
func (t *telegramSink) Type() string { return TypeTelegram }

func (t *telegramSink) Send(ctx context.Context, evt Event) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":                  t.chatID,
			"text":                     evt.Text(),
			"disable_web_page_preview": "true",
		}).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram response status %d: %s", resp.StatusCode(), httpclient.Snippet(resp.Body()))
	}
	return nil
}
