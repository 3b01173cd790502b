package notify

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

	tele "gopkg.in/telebot.v4"

	logx "schedgate/pkg/logx"
)

// BuildChannels constructs the configured channels keyed by id.
func BuildChannels(cfgs []ChannelConfig, log logx.Logger) (map[string]Channel, error) {
	out := make(map[string]Channel, len(cfgs))
	for _, c := range cfgs {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return nil, errors.New("notification channel id is required")
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("duplicate notification channel %q", id)
		}
		var (
			ch  Channel
			err error
		)
		switch strings.ToLower(strings.TrimSpace(c.Type)) {
		case "webhook":
			ch, err = NewWebhook(id, c.URL, c.Headers, c.Timeout)
		case "telegram":
			ch, err = NewTelegram(id, c.Token, c.ChatID, c.ThreadID)
		case "log", "":
			ch = NewLog(id, log)
		default:
			err = fmt.Errorf("unknown channel type %q", c.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", id, err)
		}
		out[id] = ch
	}
	return out, nil
}

// Webhook POSTs deliveries as JSON.
type Webhook struct {
	id      string
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(id, url string, headers map[string]string, timeout time.Duration) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Webhook{id: id, url: url, headers: headers, client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) ID() string { return w.id }

func (w *Webhook) Send(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", w.id, resp.StatusCode)
	}
	return nil
}

// Telegram sends deliveries to one chat (optionally a forum topic). It also
// implements logx.Forwarder.
type Telegram struct {
	id       string
	bot      *tele.Bot
	chatID   int64
	threadID int
}

const telegramTextLimit = 4096

func NewTelegram(id, token string, chatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{id: id, bot: b, chatID: chatID, threadID: threadID}, nil
}

func (t *Telegram) ID() string { return t.id }

func (t *Telegram) Send(ctx context.Context, d Delivery) error {
	return t.send(ctx, d.Message)
}

func (t *Telegram) ForwardLog(ctx context.Context, text string) error {
	return t.send(ctx, text)
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit-1]) + "…"
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

// Log writes deliveries to the process log.
type Log struct {
	id  string
	log logx.Logger
}

func NewLog(id string, log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{id: id, log: log.With(logx.String("comp", "notify"))}
}

func (l *Log) ID() string { return l.id }

func (l *Log) Send(_ context.Context, d Delivery) error {
	l.log.Info("notification", logx.String("channel", l.id), logx.String("event", d.EventType), logx.String("run", d.RunID), logx.String("message", d.Message))
	return nil
}
