package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cryptkeeper/internal/entry"
	logx "cryptkeeper/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresConns = 4

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPostgresConns
	}
	pcfg.MaxConns = int32(maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store ready", logx.Int("max_conns", maxConns))
	return st, nil
}

// migrate runs the schema statement by statement so it works regardless of
// the configured query exec mode.
func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) Exists(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var ok bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+t.name+` WHERE hash = $1)`, fingerprint).Scan(&ok)
	return ok, err
}

func (s *postgresStore) HasSecondary(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var v *string
	err = s.pool.QueryRow(ctx, `SELECT `+t.secondary+` FROM `+t.name+` WHERE hash = $1`, fingerprint).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != nil && strings.TrimSpace(*v) != "", nil
}

func (s *postgresStore) Insert(ctx context.Context, e entry.Entry) (bool, error) {
	var sql string
	var args []any
	switch e.Kind {
	case entry.KindNews:
		sql = `INSERT INTO news(title, content, date, url, hash) VALUES($1,$2,$3,$4,$5)
		       ON CONFLICT (hash) DO NOTHING`
		args = []any{e.Title, nullStr(e.Secondary), e.Date, e.URL, e.Fingerprint}
	case entry.KindRelease:
		sql = `INSERT INTO new_releases(title, system, author, date, url, hash) VALUES($1,$2,$3,$4,$5,$6)
		       ON CONFLICT (hash) DO NOTHING`
		args = []any{e.Title, nullStr(e.Secondary), e.Author, e.Date, e.URL, e.Fingerprint}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) SetSecondary(ctx context.Context, kind entry.Kind, fingerprint, value string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE `+t.name+` SET `+t.secondary+` = $1 WHERE hash = $2`, nullStr(value), fingerprint)
	return err
}

func (s *postgresStore) Get(ctx context.Context, kind entry.Kind, fingerprint string) (entry.Entry, bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return entry.Entry{}, false, err
	}
	authorCol := "''"
	if kind == entry.KindRelease {
		authorCol = "author"
	}
	e := entry.Entry{Kind: kind, Fingerprint: fingerprint}
	var secondary *string
	err = s.pool.QueryRow(ctx,
		`SELECT title, date, url, `+authorCol+`, `+t.secondary+` FROM `+t.name+` WHERE hash = $1`, fingerprint,
	).Scan(&e.Title, &e.Date, &e.URL, &e.Author, &secondary)
	if errors.Is(err, pgx.ErrNoRows) {
		return entry.Entry{}, false, nil
	}
	if err != nil {
		return entry.Entry{}, false, err
	}
	if secondary != nil {
		e.Secondary = *secondary
	}
	return e, true, nil
}

func (s *postgresStore) Count(ctx context.Context, kind entry.Kind) (int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+t.name).Scan(&n)
	return int(n), err
}

func (s *postgresStore) RecordEvent(ctx context.Context, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO notification_tracking(timestamp) VALUES($1)`, at.UTC())
	return err
}

func (s *postgresStore) CountEventsSince(ctx context.Context, since time.Time) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notification_tracking WHERE timestamp > $1`, since.UTC()).Scan(&n)
	return int(n), err
}

func (s *postgresStore) PurgeEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notification_tracking WHERE timestamp <= $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
