package config

import (
	"sort"
	"strings"

	logx "cryptkeeper/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, keys, DSNs) are never
// included; only whether they are set or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	o, n := oldCfg.Scraper, newCfg.Scraper
	scraperSame := trimEq(o.HomepageURL, n.HomepageURL) && trimEq(o.BaseURL, n.BaseURL) && trimEq(o.Schedule, n.Schedule) &&
		trimEq(o.Timezone, n.Timezone) && o.RunOnStartEnabled() == n.RunOnStartEnabled() &&
		trimEq(o.UserAgent, n.UserAgent) && trimEq(o.RequestTimeout, n.RequestTimeout) &&
		trimEq(o.CycleTimeout, n.CycleTimeout) && trimEq(o.SiteName, n.SiteName) &&
		trimEq(o.NewsHeading, n.NewsHeading) && trimEq(o.ReleasesHeading, n.ReleasesHeading)
	if !scraperSame {
		changed = append(changed, "scraper")
		attrs = append(attrs,
			logx.String("scraper.homepage_url", strings.TrimSpace(n.HomepageURL)),
			logx.String("scraper.schedule", strings.TrimSpace(n.Schedule)),
			logx.String("scraper.cycle_timeout", strings.TrimSpace(n.CycleTimeout)),
		)
	}

	if oldCfg.Enrich.Concurrency != newCfg.Enrich.Concurrency || !trimEq(oldCfg.Enrich.Delay, newCfg.Enrich.Delay) {
		changed = append(changed, "enrich")
		attrs = append(attrs,
			logx.Int("enrich.concurrency", newCfg.Enrich.Concurrency),
			logx.String("enrich.delay", strings.TrimSpace(newCfg.Enrich.Delay)),
		)
	}

	on, nn := oldCfg.Notifier, newCfg.Notifier
	if on.IsEnabled() != nn.IsEnabled() || !trimEq(on.Transport, nn.Transport) || !trimEq(on.Window, nn.Window) ||
		on.MaxPerWindow != nn.MaxPerWindow || on.RatePerSec != nn.RatePerSec || !trimEq(on.SendTimeout, nn.SendTimeout) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.IsEnabled()),
			logx.String("notifier.transport", strings.TrimSpace(nn.Transport)),
			logx.String("notifier.window", strings.TrimSpace(nn.Window)),
			logx.Int("notifier.max_per_window", nn.MaxPerWindow),
		)
	}

	if oldCfg.Pushover != newCfg.Pushover {
		changed = append(changed, "pushover")
		attrs = append(attrs,
			logx.Bool("pushover.user_key_set", strings.TrimSpace(newCfg.Pushover.UserKey) != ""),
			logx.Bool("pushover.api_token_set", strings.TrimSpace(newCfg.Pushover.APIToken) != ""),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Int("telegram.thread_id", newCfg.Telegram.ThreadID),
		)
	}

	ost, ns := oldCfg.Storage, newCfg.Storage
	if !trimEq(ost.Driver, ns.Driver) || !trimEq(ost.Path, ns.Path) || ost.DSN != ns.DSN ||
		!trimEq(ost.BusyTimeout, ns.BusyTimeout) || ost.MaxConns != ns.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenFlip := (strings.TrimSpace(oh.Token) != "") != (strings.TrimSpace(nh.Token) != "")
	oh.Token, nh.Token = "", ""
	if oh != nh || tokenFlip {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "pushover", "telegram":
			out = append(out, s)
		}
	}
	return out
}

func trimEq(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }
