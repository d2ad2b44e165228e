package eventbus

import "time"

// Event types published by cryptkeeper.
const (
	CycleStarted  = "keeper.cycle.started"
	CycleFinished = "keeper.cycle.finished"
	CycleFailed   = "keeper.cycle.failed"

	EnrichItem = "enrich.item"

	NotifySent       = "notifier.sent"
	NotifySuppressed = "notifier.suppressed"
	NotifyFailed     = "notifier.failed"

	ConfigReloaded = "config.reloaded"
)

type CycleStartedData struct {
	CycleID string
}

// CycleData summarizes a finished or failed cycle. Inserted and Notified are
// keyed by entry kind.
type CycleData struct {
	CycleID   string
	Took      time.Duration
	Extracted map[string]int
	Inserted  map[string]int
	Enriched  int
	Notified  map[string]string
	Err       string
}

type EnrichData struct {
	Kind        string
	Fingerprint string
	OK          bool
	Empty       bool
	Took        time.Duration
	Err         string
}

type NotifyData struct {
	Title     string
	Transport string
	InWindow  int
	Err       string
}
