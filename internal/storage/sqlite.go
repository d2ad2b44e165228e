package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cryptkeeper/internal/entry"
	logx "cryptkeeper/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql migrations_postgres.sql
var migrationsFS embed.FS

const defaultBusyTimeout = time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps inserts and event-log updates serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Exists(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+t.name+` WHERE hash = ?`, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) HasSecondary(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var v sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT `+t.secondary+` FROM `+t.name+` WHERE hash = ?`, fingerprint).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.Valid && strings.TrimSpace(v.String) != "", nil
}

func (s *sqliteStore) Insert(ctx context.Context, e entry.Entry) (bool, error) {
	now := time.Now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	switch e.Kind {
	case entry.KindNews:
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO news(title, content, date, url, hash, created_at) VALUES(?,?,?,?,?,?)`,
			e.Title, nullStr(e.Secondary), e.Date, e.URL, e.Fingerprint, now,
		)
	case entry.KindRelease:
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO new_releases(title, system, author, date, url, hash, created_at) VALUES(?,?,?,?,?,?,?)`,
			e.Title, nullStr(e.Secondary), e.Author, e.Date, e.URL, e.Fingerprint, now,
		)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SetSecondary(ctx context.Context, kind entry.Kind, fingerprint, value string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE `+t.name+` SET `+t.secondary+` = ? WHERE hash = ?`, nullStr(value), fingerprint)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, kind entry.Kind, fingerprint string) (entry.Entry, bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return entry.Entry{}, false, err
	}
	var (
		e         = entry.Entry{Kind: kind, Fingerprint: fingerprint}
		secondary sql.NullString
		author    sql.NullString
	)
	authorCol := "''"
	if kind == entry.KindRelease {
		authorCol = "author"
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT title, date, url, `+authorCol+`, `+t.secondary+` FROM `+t.name+` WHERE hash = ?`, fingerprint,
	).Scan(&e.Title, &e.Date, &e.URL, &author, &secondary)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.Entry{}, false, nil
	}
	if err != nil {
		return entry.Entry{}, false, err
	}
	e.Author = author.String
	e.Secondary = secondary.String
	return e, true, nil
}

func (s *sqliteStore) Count(ctx context.Context, kind entry.Kind) (int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.name).Scan(&n)
	return n, err
}

func (s *sqliteStore) RecordEvent(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_tracking(timestamp) VALUES(?)`, at.UnixMilli())
	return err
}

func (s *sqliteStore) CountEventsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_tracking WHERE timestamp > ?`, since.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) PurgeEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_tracking WHERE timestamp <= ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
