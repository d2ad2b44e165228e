package sdnotify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	logx "cryptkeeper/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestReadyAndStopping(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.send = rec.send
	n.Ready("watching")
	n.Stopping()
	got := rec.all()
	if len(got) != 2 || got[0] != "READY=1\nSTATUS=watching" || got[1] != "STOPPING=1" {
		t.Fatalf("states = %q", got)
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.send = rec.send
	n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	n.Watchdog(ctx)
	pings := 0
	for _, s := range rec.all() {
		if strings.HasPrefix(s, "WATCHDOG=1") {
			pings++
		}
	}
	if pings < 2 {
		t.Fatalf("watchdog pings = %d, want >= 2", pings)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop())
	n.watchdog = func(bool) (time.Duration, error) { return 0, nil }
	done := make(chan struct{})
	go func() {
		n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog blocked without a configured interval")
	}
}
