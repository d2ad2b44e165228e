package config

// DefaultPath is used when no --config flag is given.
const DefaultPath = "./config.yaml"

type Config struct {
	Scraper  ScraperConfig  `json:"scraper"`
	Enrich   EnrichConfig   `json:"enrich"`
	Notifier NotifierConfig `json:"notifier"`
	Pushover PushoverConfig `json:"pushover"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
}

// ScraperConfig controls what is fetched and how often.
//
// Schedule accepts a Go duration ("6h"), an HH:MM interval ("06:00") or a
// cron expression ("0 */6 * * *", "@every 6h"). Default: "6h".
type ScraperConfig struct {
	HomepageURL string `json:"homepage_url"`
	BaseURL     string `json:"base_url,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	// RunOnStart is a pointer so an omitted key defaults to true.
	RunOnStart *bool `json:"run_on_start,omitempty"`

	UserAgent      string `json:"user_agent,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	CycleTimeout   string `json:"cycle_timeout,omitempty"`

	SiteName        string `json:"site_name,omitempty"`
	NewsHeading     string `json:"news_heading,omitempty"`
	ReleasesHeading string `json:"releases_heading,omitempty"`
}

// EnrichConfig bounds detail-page fetching. Zero values mean defaults
// (concurrency 5, delay 5s).
type EnrichConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	Delay       string `json:"delay,omitempty"`
}

// NotifierConfig controls the quota-gated notification sender.
//
// Enabled is a pointer so an omitted key defaults to true.
type NotifierConfig struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	Transport    string  `json:"transport,omitempty"` // pushover | telegram | log
	Window       string  `json:"window,omitempty"`
	MaxPerWindow int     `json:"max_per_window,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	SendTimeout  string  `json:"send_timeout,omitempty"`
}

type PushoverConfig struct {
	UserKey  string `json:"user_key"`  // do not log
	APIToken string `json:"api_token"` // do not log
	Endpoint string `json:"endpoint,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./cryptkeeper_store" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | postgres | file
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the optional metrics/health/pprof server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// RunOnStartEnabled reports the effective run_on_start value.
func (s ScraperConfig) RunOnStartEnabled() bool { return s.RunOnStart == nil || *s.RunOnStart }

// IsEnabled reports the effective notifier.enabled value.
func (n NotifierConfig) IsEnabled() bool { return n.Enabled == nil || *n.Enabled }
