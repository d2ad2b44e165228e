package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"cryptkeeper/internal/config"
	"cryptkeeper/internal/enrich"
	"cryptkeeper/internal/keeper"
	"cryptkeeper/internal/notifier"
	"cryptkeeper/internal/observability/httpserver"
	"cryptkeeper/internal/scheduler"
	"cryptkeeper/internal/scrape"
	"cryptkeeper/internal/storage"
	"cryptkeeper/internal/transport"
	"cryptkeeper/internal/transport/telegram"
	logx "cryptkeeper/pkg/logx"
)

const (
	defaultSchedule    = "6h"
	defaultStorePath   = "./cryptkeeper.db"
	defaultSendTimeout = 15 * time.Second
)

type Config = config.Config

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, fmt.Errorf("storage.driver=none is not supported: entries and the notification log must persist")
	}
	if !storage.ValidDriver(driver) {
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}
	switch driver {
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
	default:
		if out.Path == "" {
			out.Path = defaultStorePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}

func mapClientConfig(cfg *Config) (scrape.ClientConfig, error) {
	timeout, err := config.ParseDurationField("scraper.request_timeout", cfg.Scraper.RequestTimeout)
	if err != nil {
		return scrape.ClientConfig{}, err
	}
	return scrape.ClientConfig{UserAgent: strings.TrimSpace(cfg.Scraper.UserAgent), Timeout: timeout}, nil
}

func mapKeeperConfig(cfg *Config) (keeper.Config, error) {
	sc := cfg.Scraper
	home := strings.TrimSpace(sc.HomepageURL)
	if home == "" {
		return keeper.Config{}, fmt.Errorf("scraper.homepage_url is required")
	}
	if u, err := url.Parse(home); err != nil || u.Scheme == "" || u.Host == "" {
		return keeper.Config{}, fmt.Errorf("scraper.homepage_url: invalid url %q", home)
	}
	timeout, err := config.ParseDurationOrDefault("scraper.cycle_timeout", sc.CycleTimeout, keeper.DefaultCycleTimeout)
	if err != nil {
		return keeper.Config{}, err
	}
	return keeper.Config{
		HomepageURL: home,
		BaseURL:     strings.TrimSpace(sc.BaseURL),
		Layout: scrape.Layout{
			NewsHeading:     sc.NewsHeading,
			ReleasesHeading: sc.ReleasesHeading,
		},
		SiteName:     strings.TrimSpace(sc.SiteName),
		CycleTimeout: timeout,
	}, nil
}

func mapSchedule(cfg *Config) (string, *time.Location, error) {
	raw := strings.TrimSpace(cfg.Scraper.Schedule)
	if raw == "" {
		raw = defaultSchedule
	}
	if _, err := scheduler.ParseSchedule(raw); err != nil {
		return "", nil, fmt.Errorf("scraper.schedule: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scraper.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", nil, fmt.Errorf("scraper.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	return raw, loc, nil
}

func mapEnrichConfig(cfg *Config) (enrich.Config, error) {
	if cfg.Enrich.Concurrency < 0 {
		return enrich.Config{}, fmt.Errorf("enrich.concurrency must be >= 0")
	}
	delay := enrich.DefaultDelay
	if raw := strings.TrimSpace(cfg.Enrich.Delay); raw != "" {
		d, err := config.ParseDurationField("enrich.delay", raw)
		if err != nil {
			return enrich.Config{}, err
		}
		// An explicit "0s" disables the politeness delay.
		delay = d
	}
	return enrich.Config{Concurrency: cfg.Enrich.Concurrency, Delay: delay}, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	nc := cfg.Notifier
	window, err := config.ParseDurationOrDefault("notifier.window", nc.Window, notifier.DefaultWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, defaultSendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.MaxPerWindow < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.max_per_window must be >= 0")
	}
	if nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	return notifier.Config{
		Enabled:      nc.IsEnabled(),
		Window:       window,
		MaxPerWindow: nc.MaxPerWindow,
		RatePerSec:   nc.RatePerSec,
		SendTimeout:  sendTimeout,
	}, nil
}

func transportName(cfg *Config) string {
	name := strings.ToLower(strings.TrimSpace(cfg.Notifier.Transport))
	if name == "" {
		return "pushover"
	}
	return name
}

// newDeliverer builds the configured transport. Credentials are only
// required when notifications are enabled.
func newDeliverer(cfg *Config, log logx.Logger) (transport.Deliverer, error) {
	name := transportName(cfg)
	if !cfg.Notifier.IsEnabled() {
		return transport.LogDeliverer{Log: log}, nil
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, defaultSendTimeout)
	if err != nil {
		return nil, err
	}
	switch name {
	case "pushover":
		return transport.NewPushover(transport.PushoverConfig{
			UserKey:  cfg.Pushover.UserKey,
			APIToken: cfg.Pushover.APIToken,
			Endpoint: cfg.Pushover.Endpoint,
		})
	case "telegram":
		return telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
			Timeout:  sendTimeout,
		}, log)
	case "log":
		return transport.LogDeliverer{Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown notifier.transport: %s", name)
	}
}

func mapHTTPConfig(cfg *Config) (httpserver.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	// WriteTimeout defaults to 0 so /debug/pprof/profile can stream for 30s+.
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, time.Minute)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		Pprof: httpserver.PprofConfig{
			Enabled:              hc.Pprof,
			Prefix:               hc.PprofPrefix,
			MutexProfileFraction: hc.MutexProfileFraction,
			BlockProfileRate:     hc.BlockProfileRate,
			MemProfileRate:       hc.MemProfileRate,
		},
	}, nil
}

// validate runs every mapper so a bad hot reload is rejected as a whole.
func validate(cfg *Config) error {
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapClientConfig(cfg); err != nil {
		return err
	}
	if _, err := mapKeeperConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedule(cfg); err != nil {
		return err
	}
	if _, err := mapEnrichConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	switch transportName(cfg) {
	case "pushover", "telegram", "log":
	default:
		return fmt.Errorf("unknown notifier.transport: %s", cfg.Notifier.Transport)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
