// Package transport delivers aggregate notifications to an external service.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Message is one aggregate notification.
//
// Body uses the list markup built by the keeper (<ul><li><a href=...>) when
// HTML is true.
type Message struct {
	Title string
	Body  string
	HTML  bool
}

// Deliverer sends a message. A nil error means the remote side accepted it.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, m Message) error
}

var ErrEmptyMessage = errors.New("empty message")

// RejectedError is returned when the remote service answered but refused the
// message.
type RejectedError struct {
	Transport  string
	StatusCode int
	Detail     string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: rejected with status %d", e.Transport, e.StatusCode)
	}
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Transport, e.StatusCode, e.Detail)
}
