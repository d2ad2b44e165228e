package transport

import (
	"context"

	logx "cryptkeeper/pkg/logx"
)

// LogDeliverer writes notifications to the log instead of sending them.
// It is the dry-run transport and always succeeds.
type LogDeliverer struct {
	Log logx.Logger
}

func (LogDeliverer) Name() string { return "log" }

func (d LogDeliverer) Deliver(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Title == "" && m.Body == "" {
		return ErrEmptyMessage
	}
	d.Log.Info("notification", logx.String("title", m.Title), logx.String("body", m.Body), logx.Bool("html", m.HTML))
	return nil
}
