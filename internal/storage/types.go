package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptkeeper/internal/entry"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrUnknownKind = errors.New("unknown entry kind")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
//   - "file": JSON snapshot + journal next to Path
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only
}

// ItemStore is the idempotent entry table contract.
//
// Insert returns false when the fingerprint is already present; that is not
// an error. HasSecondary is true only when the secondary field is present and
// non-empty.
type ItemStore interface {
	Exists(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error)
	HasSecondary(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error)
	Insert(ctx context.Context, e entry.Entry) (bool, error)
	SetSecondary(ctx context.Context, kind entry.Kind, fingerprint, value string) error
	Get(ctx context.Context, kind entry.Kind, fingerprint string) (entry.Entry, bool, error)
	Count(ctx context.Context, kind entry.Kind) (int, error)
}

// EventLog is the durable, append-only log of successful notifications.
type EventLog interface {
	RecordEvent(ctx context.Context, at time.Time) error
	CountEventsSince(ctx context.Context, since time.Time) (int, error)
	PurgeEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store is what the application opens at startup.
type Store interface {
	ItemStore
	EventLog
	Close() error
}

// table describes how one entry kind maps onto its table.
type table struct {
	name      string
	secondary string
}

var tables = map[entry.Kind]table{
	entry.KindNews:    {name: "news", secondary: "content"},
	entry.KindRelease: {name: "new_releases", secondary: "system"},
}

func tableFor(kind entry.Kind) (table, error) {
	t, ok := tables[kind]
	if !ok {
		return table{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return t, nil
}
