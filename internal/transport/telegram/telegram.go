// Package telegram delivers notifications to a Telegram chat or forum topic.
package telegram

import (
	"context"
	"errors"
	"html"
	"regexp"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"cryptkeeper/internal/transport"
	logx "cryptkeeper/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

// Deliverer sends through the Bot API. It only sends; it never polls.
type Deliverer struct {
	cfg  Config
	log  logx.Logger
	send func(chunk string) error
}

func New(cfg Config, log logx.Logger) (*Deliverer, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  newHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Deliverer{cfg: cfg, log: log}
	chat := &tele.Chat{ID: cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              cfg.ThreadID,
	}
	d.send = func(chunk string) error {
		_, err := b.Send(chat, chunk, opts)
		return err
	}
	return d, nil
}

func (d *Deliverer) Name() string { return "telegram" }

// Deliver sends the message in chunks. Once the first chunk is out the
// message counts as delivered: a later failure is logged as a partial
// delivery and does not return an error.
func (d *Deliverer) Deliver(ctx context.Context, m transport.Message) error {
	if m.Title == "" && m.Body == "" {
		return transport.ErrEmptyMessage
	}
	chunks := splitText(Format(m), textLimit)
	for i, chunk := range chunks {
		err := ctx.Err()
		if err == nil {
			err = d.send(chunk)
		}
		if err == nil {
			continue
		}
		if i == 0 {
			d.log.Debug("telegram send failed", logx.Int("chunks", len(chunks)), logx.Err(err))
			return err
		}
		d.log.Warn("telegram message partially delivered",
			logx.Int("sent", i),
			logx.Int("chunks", len(chunks)),
			logx.Err(err))
		return nil
	}
	return nil
}

var (
	reListOpen  = regexp.MustCompile(`(?i)<\s*/?\s*ul\s*>`)
	reItemOpen  = regexp.MustCompile(`(?i)<\s*li\s*>`)
	reItemClose = regexp.MustCompile(`(?i)<\s*/\s*li\s*>`)
	reAnchor    = regexp.MustCompile(`(?i)<a\s+href=['"]([^'"]*)['"]\s*>`)
)

// Format renders a message in the HTML subset Telegram accepts. List markup
// becomes bullet lines; anchors are kept with double-quoted hrefs.
func Format(m transport.Message) string {
	var b strings.Builder
	if m.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(m.Title))
		b.WriteString("</b>\n\n")
	}
	if !m.HTML {
		b.WriteString(html.EscapeString(m.Body))
		return strings.TrimRight(b.String(), "\n")
	}
	body := reListOpen.ReplaceAllString(m.Body, "")
	body = reItemOpen.ReplaceAllString(body, "• ")
	body = reItemClose.ReplaceAllString(body, "\n")
	body = reAnchor.ReplaceAllString(body, `<a href="$1">`)
	b.WriteString(body)
	return strings.TrimRight(b.String(), "\n")
}
