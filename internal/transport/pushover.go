package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gregdel/pushover"
)

// DefaultPushoverEndpoint is the API root; the client appends /messages.json.
const DefaultPushoverEndpoint = "https://api.pushover.net/1"

// Pushover message limits; longer values are shortened before sending since
// the client rejects them.
const (
	pushoverTitleLimit   = pushover.MessageTitleMaxLength
	pushoverMessageLimit = pushover.MessageMaxLength
)

type PushoverConfig struct {
	UserKey  string
	APIToken string
	// Endpoint overrides the API root.
	Endpoint string
}

// Pushover delivers through the Pushover messages API.
type Pushover struct {
	endpoint  string
	app       *pushover.Pushover
	recipient *pushover.Recipient
}

// pushover.APIEndpoint is package state; sends hold endpointMu so instances
// with different endpoints do not race.
var endpointMu sync.Mutex

func NewPushover(cfg PushoverConfig) (*Pushover, error) {
	user := strings.TrimSpace(cfg.UserKey)
	token := strings.TrimSpace(cfg.APIToken)
	if user == "" || token == "" {
		return nil, errors.New("pushover user_key and api_token are required")
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	endpoint = strings.TrimSuffix(endpoint, "/messages.json")
	if endpoint == "" {
		endpoint = DefaultPushoverEndpoint
	}
	return &Pushover{
		endpoint:  endpoint,
		app:       pushover.New(token),
		recipient: pushover.NewRecipient(user),
	}, nil
}

func (p *Pushover) Name() string { return "pushover" }

// Deliver sends m. The client has no context support, so a cancelled ctx
// returns early while the request finishes in the background.
func (p *Pushover) Deliver(ctx context.Context, m Message) error {
	if m.Title == "" && m.Body == "" {
		return ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body := m.Body
	if m.HTML {
		body = truncateHTMLList(body, pushoverMessageLimit)
	} else {
		body = truncateRunes(body, pushoverMessageLimit)
	}
	if body == "" {
		// The API requires a message; fall back to the title.
		body = m.Title
	}
	msg := pushover.NewMessageWithTitle(body, truncateRunes(m.Title, pushoverTitleLimit))
	msg.HTML = m.HTML

	done := make(chan error, 1)
	go func() {
		endpointMu.Lock()
		defer endpointMu.Unlock()
		pushover.APIEndpoint = p.endpoint
		resp, err := p.app.SendMessage(msg, p.recipient)
		done <- classifyPushover(resp, err)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyPushover(resp *pushover.Response, err error) error {
	var apiErrs pushover.Errors
	switch {
	case errors.As(err, &apiErrs):
		return &RejectedError{Transport: "pushover", Detail: strings.Join(apiErrs, "; ")}
	case errors.Is(err, pushover.ErrHTTPPushover):
		return &RejectedError{Transport: "pushover", Detail: err.Error()}
	case err != nil:
		return fmt.Errorf("pushover: %w", err)
	case resp == nil || resp.Status != 1:
		return &RejectedError{Transport: "pushover", Detail: "status != 1"}
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit-1]) + "…"
}

// truncateHTMLList shortens a list body to whole <li> items and closes the
// list again. Without a complete item that fits it keeps the text before the
// list.
func truncateHTMLList(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	const closeItem, closeList = "</li>", "</ul>"
	budget := limit - utf8.RuneCountInString(closeList)
	cut := -1
	for i := 0; ; {
		j := strings.Index(s[i:], closeItem)
		if j < 0 {
			break
		}
		end := i + j + len(closeItem)
		if utf8.RuneCountInString(s[:end]) > budget {
			break
		}
		cut = end
		i = end
	}
	if cut >= 0 {
		return s[:cut] + closeList
	}
	if k := strings.Index(s, "<ul>"); k >= 0 && utf8.RuneCountInString(s[:k]) <= limit {
		return strings.TrimRight(s[:k], "\n")
	}
	return truncateRunes(s, limit)
}
