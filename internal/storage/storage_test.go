package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cryptkeeper/internal/entry"
	logx "cryptkeeper/pkg/logx"
)

type opener func(t *testing.T, dir string) Store

var drivers = map[string]opener{
	"sqlite": func(t *testing.T, dir string) Store {
		t.Helper()
		st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "ck.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return st
	},
	"file": func(t *testing.T, dir string) Store {
		t.Helper()
		st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "ck.json")}, logx.Nop())
		if err != nil {
			t.Fatalf("open file: %v", err)
		}
		return st
	},
}

func forEachDriver(t *testing.T, fn func(t *testing.T, open func() Store)) {
	for name, op := range drivers {
		op := op
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			fn(t, func() Store { return op(t, dir) })
		})
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, open func() Store) {
		st := open()
		defer st.Close()
		ctx := context.Background()

		for _, e := range []entry.Entry{
			entry.NewNews("X", "1 Jan", "https://example.org/a"),
			entry.NewRelease("Y", "2 Jan", "https://example.org/b", "alice"),
		} {
			ok, err := st.Insert(ctx, e)
			if err != nil || !ok {
				t.Fatalf("first insert %s = (%v, %v), want (true, nil)", e, ok, err)
			}
			ok, err = st.Insert(ctx, e)
			if err != nil || ok {
				t.Fatalf("second insert %s = (%v, %v), want (false, nil)", e, ok, err)
			}
			n, err := st.Count(ctx, e.Kind)
			if err != nil || n != 1 {
				t.Fatalf("count %s = (%d, %v), want 1", e.Kind, n, err)
			}
		}
	})
}

func TestKindsAreSeparateTables(t *testing.T) {
	forEachDriver(t, func(t *testing.T, open func() Store) {
		st := open()
		defer st.Close()
		ctx := context.Background()

		n := entry.NewNews("X", "1 Jan", "/a")
		if _, err := st.Insert(ctx, n); err != nil {
			t.Fatalf("insert: %v", err)
		}
		ok, err := st.Exists(ctx, entry.KindRelease, n.Fingerprint)
		if err != nil || ok {
			t.Fatalf("release Exists = (%v, %v), want false", ok, err)
		}
		r := entry.NewRelease("X", "1 Jan", "/a", "")
		if ok, err := st.Insert(ctx, r); err != nil || !ok {
			t.Fatalf("release insert with same fingerprint = (%v, %v), want true", ok, err)
		}
	})
}

func TestSecondaryBackfill(t *testing.T) {
	forEachDriver(t, func(t *testing.T, open func() Store) {
		st := open()
		defer st.Close()
		ctx := context.Background()

		e := entry.NewRelease("Proto", "1 Jan", "/p", "bob")
		if _, err := st.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if ok, _ := st.HasSecondary(ctx, e.Kind, e.Fingerprint); ok {
			t.Fatal("fresh entry reported secondary")
		}

		// Empty counts as missing.
		if err := st.SetSecondary(ctx, e.Kind, e.Fingerprint, "   "); err != nil {
			t.Fatalf("set empty: %v", err)
		}
		if ok, _ := st.HasSecondary(ctx, e.Kind, e.Fingerprint); ok {
			t.Fatal("blank secondary reported present")
		}

		if err := st.SetSecondary(ctx, e.Kind, e.Fingerprint, "Mega Drive"); err != nil {
			t.Fatalf("set: %v", err)
		}
		ok, err := st.HasSecondary(ctx, e.Kind, e.Fingerprint)
		if err != nil || !ok {
			t.Fatalf("HasSecondary = (%v, %v), want true", ok, err)
		}

		// A duplicate insert keeps the stored row untouched.
		if _, err := st.Insert(ctx, e); err != nil {
			t.Fatalf("dup insert: %v", err)
		}
		got, found, err := st.Get(ctx, e.Kind, e.Fingerprint)
		if err != nil || !found {
			t.Fatalf("Get = (%v, %v)", found, err)
		}
		if got.Secondary != "Mega Drive" || got.Author != "bob" || got.Title != "Proto" {
			t.Fatalf("Get = %+v", got)
		}

		if ok, _ := st.HasSecondary(ctx, e.Kind, "missing"); ok {
			t.Fatal("unknown fingerprint reported secondary")
		}
	})
}

func TestUnknownKind(t *testing.T) {
	forEachDriver(t, func(t *testing.T, open func() Store) {
		st := open()
		defer st.Close()
		_, err := st.Exists(context.Background(), entry.Kind("other"), "x")
		if !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("err = %v, want ErrUnknownKind", err)
		}
	})
}

func TestEventLogWindow(t *testing.T) {
	forEachDriver(t, func(t *testing.T, open func() Store) {
		st := open()
		defer st.Close()
		ctx := context.Background()

		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		for _, ago := range []time.Duration{90 * time.Minute, 61 * time.Minute, 30 * time.Minute, time.Minute} {
			if err := st.RecordEvent(ctx, now.Add(-ago)); err != nil {
				t.Fatalf("record: %v", err)
			}
		}
		since := now.Add(-time.Hour)
		n, err := st.CountEventsSince(ctx, since)
		if err != nil || n != 2 {
			t.Fatalf("CountEventsSince = (%d, %v), want 2", n, err)
		}
		purged, err := st.PurgeEventsBefore(ctx, since)
		if err != nil || purged != 2 {
			t.Fatalf("PurgeEventsBefore = (%d, %v), want 2", purged, err)
		}
		n, _ = st.CountEventsSince(ctx, time.Time{})
		if n != 2 {
			t.Fatalf("events after purge = %d, want 2", n)
		}
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	forEachDriver(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		e := entry.NewNews("X", "1 Jan", "/a")
		at := time.Now().Add(-time.Minute)

		st := open()
		if _, err := st.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := st.SetSecondary(ctx, e.Kind, e.Fingerprint, "body"); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := st.RecordEvent(ctx, at); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		st = open()
		defer st.Close()
		if ok, _ := st.HasSecondary(ctx, e.Kind, e.Fingerprint); !ok {
			t.Fatal("secondary lost across reopen")
		}
		if n, _ := st.CountEventsSince(ctx, at.Add(-time.Second)); n != 1 {
			t.Fatalf("events after reopen = %d, want 1", n)
		}
	})
}

func TestFileStoreKeepsWriteThatTriggersCompaction(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		last func(ctx context.Context, st Store) error
	}{
		{"insert", func(ctx context.Context, st Store) error {
			_, err := st.Insert(ctx, entry.NewNews("last", "1 Jan", "/n/last"))
			return err
		}},
		{"event", func(ctx context.Context, st Store) error {
			return st.RecordEvent(ctx, time.Now())
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			first := drivers["file"](t, dir)
			for i := 0; i < compactEvery-1; i++ {
				if _, err := first.Insert(ctx, entry.NewNews(fmt.Sprintf("n%d", i), "1 Jan", fmt.Sprintf("/n/%d", i))); err != nil {
					t.Fatalf("insert %d: %v", i, err)
				}
			}
			if err := tc.last(ctx, first); err != nil {
				t.Fatalf("last write: %v", err)
			}

			// Reopen without Close: only the compacted snapshot and the
			// journal are on disk.
			st := drivers["file"](t, dir)
			defer st.Close()
			n, err := st.Count(ctx, entry.KindNews)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			events, err := st.CountEventsSince(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("events: %v", err)
			}
			switch tc.name {
			case "insert":
				if n != compactEvery {
					t.Fatalf("news after reopen = %d, want %d", n, compactEvery)
				}
				last := entry.NewNews("last", "1 Jan", "/n/last")
				if ok, _ := st.Exists(ctx, last.Kind, last.Fingerprint); !ok {
					t.Fatal("entry written at compaction lost across reopen")
				}
			case "event":
				if n != compactEvery-1 || events != 1 {
					t.Fatalf("after reopen news=%d events=%d, want %d and 1", n, events, compactEvery-1)
				}
			}
		})
	}
}

func TestConcurrentInsertSameFingerprint(t *testing.T) {
	forEachDriver(t, func(t *testing.T, open func() Store) {
		st := open()
		defer st.Close()
		ctx := context.Background()
		e := entry.NewNews("X", "1 Jan", "/a")

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.Insert(ctx, e)
				if err != nil {
					t.Errorf("insert: %v", err)
					return
				}
				if ok {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if won != 1 {
			t.Fatalf("inserts reporting new = %d, want 1", won)
		}
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	if !ValidDriver("file") || ValidDriver("mysql") {
		t.Fatal("ValidDriver mismatch")
	}
}
