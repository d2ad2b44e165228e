package httpserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "cryptkeeper/pkg/logx"
)

func newTestService(healthy bool) *Service {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_hits_total", Help: "hits"})
	reg.MustRegister(c)
	c.Inc()
	return New(Config{}, reg, func() (bool, any) {
		if healthy {
			return true, map[string]string{"status": "ok"}
		}
		return false, map[string]string{"status": "stale"}
	}, logx.Nop())
}

func do(t *testing.T, h http.Handler, req *http.Request) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	b, _ := io.ReadAll(rec.Body)
	return rec.Code, string(b)
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()
	h := newTestService(true).Handler(Config{})

	code, body := do(t, h, httptest.NewRequest("GET", "/metrics", nil))
	if code != http.StatusOK || !strings.Contains(body, "test_hits_total 1") {
		t.Fatalf("/metrics = %d %q", code, body)
	}
	code, body = do(t, h, httptest.NewRequest("GET", "/healthz", nil))
	if code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("/healthz = %d %q", code, body)
	}

	unhealthy := newTestService(false).Handler(Config{})
	if code, _ := do(t, unhealthy, httptest.NewRequest("GET", "/healthz", nil)); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy /healthz = %d, want 503", code)
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	svc := newTestService(true)
	if code, _ := do(t, svc.Handler(Config{}), httptest.NewRequest("GET", "/debug/pprof/", nil)); code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d, want 404", code)
	}
	h := svc.Handler(Config{Pprof: PprofConfig{Enabled: true, Prefix: "dbg"}})
	code, body := do(t, h, httptest.NewRequest("GET", "/dbg/", nil))
	if code != http.StatusOK || !strings.Contains(body, "goroutine") {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := newTestService(true).Handler(Config{Token: "s3cret"})
	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"none", func() *http.Request { return httptest.NewRequest("GET", "/healthz", nil) }, http.StatusUnauthorized},
		{"query", func() *http.Request { return httptest.NewRequest("GET", "/healthz?token=s3cret", nil) }, http.StatusOK},
		{"bad query", func() *http.Request { return httptest.NewRequest("GET", "/healthz?token=nope", nil) }, http.StatusUnauthorized},
		{"bearer", func() *http.Request {
			r := httptest.NewRequest("GET", "/metrics", nil)
			r.Header.Set("Authorization", "Bearer s3cret")
			return r
		}, http.StatusOK},
		{"bad bearer", func() *http.Request {
			r := httptest.NewRequest("GET", "/metrics", nil)
			r.Header.Set("Authorization", "Bearer other")
			return r
		}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		if code, _ := do(t, h, tt.req()); code != tt.want {
			t.Fatalf("%s: code = %d, want %d", tt.name, code, tt.want)
		}
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()
	prefixes := map[string]string{"": "/debug/pprof/", "x": "/x/", "/y/": "/y/", " /z ": "/z/"}
	for in, want := range prefixes {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
	loop := map[string]bool{"127.0.0.1:1": true, "localhost:1": true, "[::1]:1": true, ":1": false, "0.0.0.0:1": false, "bad": false}
	for in, want := range loop {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
	if needsRestart(Config{Addr: "a"}, Config{Addr: "a"}) {
		t.Fatal("identical configs should not restart")
	}
	if !needsRestart(Config{}, Config{Pprof: PprofConfig{Enabled: true}}) {
		t.Fatal("toggling pprof should restart")
	}
}

func TestStartStopLive(t *testing.T) {
	svc := newTestService(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	if err := svc.WaitBound(ctx); err != nil {
		t.Fatalf("wait bound: %v", err)
	}
	addr := svc.Addr()
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if svc.Supervisor() != nil {
		t.Fatal("supervisor still set after disable")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	svc := newTestService(true)
	svc.cfg = Config{Enabled: true, Addr: "0.0.0.0:0"}
	if err := svc.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v, want insecure bind refusal", err)
	}
}
