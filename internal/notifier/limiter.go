package notifier

import (
	"context"
	"time"

	"cryptkeeper/internal/storage"
)

const (
	DefaultWindow       = time.Hour
	DefaultMaxPerWindow = 10
)

// Limiter is the sliding-window admission check over a persisted event log.
// It holds no in-memory counters, so the quota survives restarts.
//
// Limiter does not serialize callers; Service does.
type Limiter struct {
	events storage.EventLog
	window time.Duration
	max    int
	now    func() time.Time
}

// NewLimiter returns a limiter over events. A nil clock means time.Now.
func NewLimiter(events storage.EventLog, window time.Duration, max int, clock func() time.Time) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMaxPerWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{events: events, window: window, max: max, now: clock}
}

func (l *Limiter) Window() time.Duration { return l.window }
func (l *Limiter) Max() int              { return l.max }

// Purge deletes events that fell out of the trailing window.
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	return l.events.PurgeEventsBefore(ctx, l.now().Add(-l.window))
}

// TryAdmit purges stale events and reports whether another delivery fits in
// the window, along with the number of events currently in it.
func (l *Limiter) TryAdmit(ctx context.Context) (bool, int, error) {
	if _, err := l.Purge(ctx); err != nil {
		return false, 0, err
	}
	n, err := l.events.CountEventsSince(ctx, l.now().Add(-l.window))
	if err != nil {
		return false, 0, err
	}
	return n < l.max, n, nil
}

// Record appends a successful delivery at the current time.
func (l *Limiter) Record(ctx context.Context) error {
	return l.events.RecordEvent(ctx, l.now())
}
