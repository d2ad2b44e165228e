package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "cryptkeeper/pkg/logx"
)

const sampleYAML = `
scraper:
  homepage_url: https://hiddenpalace.org/Main_Page
  schedule: 6h
enrich:
  concurrency: 5
  delay: 5s
notifier:
  transport: log
  window: 1h
  max_per_window: 10
pushover:
  user_key: ukey
  api_token: atok
storage:
  driver: sqlite
  path: ./cryptkeeper.db
logging:
  level: INFO
  console: true
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if cfg.Scraper.HomepageURL != "https://hiddenpalace.org/Main_Page" || cfg.Enrich.Concurrency != 5 {
		t.Fatalf("unexpected config: %+v", cfg.Scraper)
	}
	if !cfg.Scraper.RunOnStartEnabled() || !cfg.Notifier.IsEnabled() {
		t.Fatal("omitted booleans should default to true")
	}

	js := `{"scraper":{"homepage_url":"https://x.test/","run_on_start":false},"notifier":{"enabled":false}}`
	cfg, err = Decode("config.json", []byte(js))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if cfg.Scraper.RunOnStartEnabled() || cfg.Notifier.IsEnabled() {
		t.Fatal("explicit false was ignored")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, body string
	}{
		{"unknown yaml key", "c.yaml", "scraper:\n  homepage: x\n"},
		{"unknown json key", "c.json", `{"bogus":1}`},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "scraper: [\n"},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
	if _, err := Decode("c.yaml", nil); err != nil {
		t.Fatalf("empty yaml should decode to zero config: %v", err)
	}
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("reload unchanged = %v, want ErrUnchanged", err)
	}

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Enrich.Concurrency > 10 {
			return errors.New("too many")
		}
		return nil
	})
	writeFile(t, path, strings.Replace(sampleYAML, "concurrency: 5", "concurrency: 50", 1))
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("validator rejection was ignored")
	}
	if m.Get().Enrich.Concurrency != 5 {
		t.Fatal("rejected config was committed")
	}

	writeFile(t, path, strings.Replace(sampleYAML, "concurrency: 5", "concurrency: 3", 1))
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	select {
	case c := <-sub:
		if c.Enrich.Concurrency != 3 {
			t.Fatalf("published concurrency = %d, want 3", c.Enrich.Concurrency)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	if m.Path() != DefaultPath {
		t.Fatalf("Path = %q, want default", m.Path())
	}
	sub := m.Subscribe(1)
	m.publish(&Config{Enrich: EnrichConfig{Concurrency: 1}})
	m.publish(&Config{Enrich: EnrichConfig{Concurrency: 2}})
	if c := <-sub; c.Enrich.Concurrency != 2 {
		t.Fatalf("got %d, want newest (2)", c.Enrich.Concurrency)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
}

func TestWatchPublishesFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, strings.Replace(sampleYAML, "schedule: 6h", "schedule: 2h", 1))

	select {
	case c := <-sub:
		if c.Scraper.Schedule != "2h" {
			t.Fatalf("schedule = %q, want 2h", c.Scraper.Schedule)
		}
	case <-ctx.Done():
		t.Fatal("no config published after file change")
	}
	cancel()
	<-done
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	if sections, _ := SummarizeConfigChange(oldCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs reported changes: %v", sections)
	}

	newCfg.Pushover.APIToken = "super-secret-token"
	newCfg.Storage.DSN = "postgres://user:hunter2@db/ck"
	newCfg.Enrich.Delay = "2s"
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := "enrich,pushover,storage"
	if got := strings.Join(sections, ","); got != want {
		t.Fatalf("sections = %q, want %q", got, want)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "DEBUG").Info("config reloaded", attrs...)
	for _, secret := range []string{"super-secret-token", "hunter2"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("summary leaked %q: %s", secret, buf.String())
		}
	}
	if r := RestartRequired(sections); strings.Join(r, ",") != "pushover,storage" {
		t.Fatalf("RestartRequired = %v", r)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, 5 * time.Second, false},
		{"0s", time.Second, time.Second, false},
		{" 2m ", time.Second, 2 * time.Minute, false},
		{"-1s", time.Second, 0, true},
		{"soon", time.Second, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, tt.def)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
