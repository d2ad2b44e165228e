package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "cryptkeeper/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   SpecKind
		every  time.Duration
		source string
		err    bool
	}{
		{in: "6h", kind: SpecInterval, every: 6 * time.Hour, source: "duration"},
		{in: "06:00", kind: SpecInterval, every: 6 * time.Hour, source: "hhmm"},
		{in: "00:45", kind: SpecInterval, every: 45 * time.Minute, source: "hhmm"},
		{in: "every: 2h30m", kind: SpecInterval, every: 150 * time.Minute, source: "duration"},
		{in: "interval:01:30", kind: SpecInterval, every: 90 * time.Minute, source: "hhmm"},
		{in: "0 */6 * * *", kind: SpecCron, source: "cron"},
		{in: "@every 6h", kind: SpecCron, source: "cron"},
		{in: "cron:@daily", kind: SpecCron, source: "cron"},
		{in: "", err: true},
		{in: "soon", err: true},
		{in: "00:00", err: true},
		{in: "01:75", err: true},
		{in: "-5m", err: true},
		{in: "99 * * * *", err: true},
		{in: "cron:", err: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.err {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every || got.Source != tt.source {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
	}
}

func TestServiceRunsJob(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), time.UTC)
	var runs atomic.Int32
	ran := make(chan struct{}, 1)
	if err := s.Add("sync", "1s", func(ctx context.Context) {
		runs.Add(1)
		select {
		case ran <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if next := s.Next("sync"); next.IsZero() {
		t.Fatal("next run unknown after start")
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never triggered")
	}
}

func TestServiceSkipsOverlappingRuns(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), time.UTC)
	var running, peak atomic.Int32
	release := make(chan struct{})
	_ = s.Add("sync", "1s", func(ctx context.Context) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-release
		running.Add(-1)
	})
	s.Start(context.Background())
	time.Sleep(2500 * time.Millisecond)
	close(release)
	s.Stop(context.Background())
	if peak.Load() > 1 {
		t.Fatalf("peak concurrent runs = %d, want 1", peak.Load())
	}
}

func TestReschedule(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), time.UTC)
	if err := s.Add("sync", "6h", func(context.Context) {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("sync", "1h", func(context.Context) {}); err == nil {
		t.Fatal("duplicate job accepted")
	}
	// Same period written differently.
	changed, err := s.Reschedule("sync", "06:00")
	if err != nil || changed {
		t.Fatalf("Reschedule equivalent = (%v, %v), want unchanged", changed, err)
	}

	changed, err = s.Reschedule("sync", "0 */2 * * *")
	if err != nil || !changed {
		t.Fatalf("Reschedule = (%v, %v), want changed", changed, err)
	}
	if _, err := s.Reschedule("sync", "bogus"); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	if _, err := s.Reschedule("other", "1h"); err == nil {
		t.Fatal("unknown job accepted")
	}
	es := s.Entries()
	if len(es) != 1 || es[0].Spec != "cron(0 */2 * * *)" {
		t.Fatalf("entries = %+v", es)
	}
}
