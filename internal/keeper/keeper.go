// Package keeper runs one synchronization cycle: fetch the homepage, extract
// entries, persist the unseen ones, backfill missing secondary fields and
// announce what is new.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cryptkeeper/internal/enrich"
	"cryptkeeper/internal/entry"
	"cryptkeeper/internal/eventbus"
	"cryptkeeper/internal/notifier"
	"cryptkeeper/internal/scrape"
	"cryptkeeper/internal/storage"
	"cryptkeeper/internal/transport"
	logx "cryptkeeper/pkg/logx"
)

const (
	DefaultSiteName     = "Hidden Palace"
	DefaultCycleTimeout = 30 * time.Minute
)

var ErrCycleRunning = errors.New("a cycle is already running")

type Config struct {
	HomepageURL string
	// BaseURL resolves relative links; empty means the homepage origin.
	BaseURL      string
	Layout       scrape.Layout
	SiteName     string
	CycleTimeout time.Duration
}

// Notifier is the quota-gated sender owned by the keeper.
type Notifier interface {
	Purge(ctx context.Context) (int64, error)
	Send(ctx context.Context, m transport.Message) notifier.Result
}

// Report summarizes one cycle.
type Report struct {
	CycleID      string
	Started      time.Time
	Took         time.Duration
	Extracted    map[entry.Kind]int
	Inserted     map[entry.Kind][]entry.Entry
	Pending      int
	Enriched     int
	EnrichFailed int
	Notified     map[entry.Kind]notifier.Result
}

func (r Report) InsertedCount() int {
	n := 0
	for _, es := range r.Inserted {
		n += len(es)
	}
	return n
}

type Keeper struct {
	cycleMu sync.Mutex

	mu   sync.Mutex
	cfg  Config
	base *url.URL

	fetcher  scrape.Fetcher
	store    storage.ItemStore
	enricher *enrich.Scheduler
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
}

func New(cfg Config, fetcher scrape.Fetcher, store storage.ItemStore, enricher *enrich.Scheduler, n Notifier, log logx.Logger, bus eventbus.Bus) (*Keeper, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	k := &Keeper{
		fetcher:  fetcher,
		store:    store,
		enricher: enricher,
		notifier: n,
		bus:      bus,
		log:      log.With(logx.String("comp", "keeper")),
	}
	if err := k.Apply(cfg); err != nil {
		return nil, err
	}
	return k, nil
}

// Apply validates and swaps the configuration for subsequent cycles.
func (k *Keeper) Apply(cfg Config) error {
	base, err := baseURL(cfg)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.SiteName) == "" {
		cfg.SiteName = DefaultSiteName
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	k.mu.Lock()
	k.cfg = cfg
	k.base = base
	k.mu.Unlock()
	return nil
}

func baseURL(cfg Config) (*url.URL, error) {
	home, err := url.Parse(strings.TrimSpace(cfg.HomepageURL))
	if err != nil || home.Scheme == "" || home.Host == "" {
		return nil, fmt.Errorf("invalid homepage url %q", cfg.HomepageURL)
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return &url.URL{Scheme: home.Scheme, Host: home.Host, Path: "/"}, nil
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	return base, nil
}

func (k *Keeper) snapshot() (Config, *url.URL) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg, k.base
}

// RunCycle executes one full cycle. Only one cycle runs at a time; a
// concurrent call returns ErrCycleRunning immediately.
//
// Notification uses ctx rather than the cycle deadline so entries persisted
// by a slow cycle are still announced.
func (k *Keeper) RunCycle(ctx context.Context) (Report, error) {
	if !k.cycleMu.TryLock() {
		return Report{}, ErrCycleRunning
	}
	defer k.cycleMu.Unlock()

	cfg, base := k.snapshot()
	rep := Report{
		CycleID:   uuid.NewString(),
		Started:   time.Now(),
		Extracted: map[entry.Kind]int{},
		Inserted:  map[entry.Kind][]entry.Entry{},
		Notified:  map[entry.Kind]notifier.Result{},
	}
	log := k.log.With(logx.String("cycle", rep.CycleID))
	log.Info("cycle started", logx.String("url", cfg.HomepageURL))
	k.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: eventbus.CycleStartedData{CycleID: rep.CycleID}})

	cctx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	defer cancel()

	if n, err := k.notifier.Purge(cctx); err != nil {
		log.Warn("purging notification log failed", logx.Err(err))
	} else if n > 0 {
		log.Debug("purged stale notification events", logx.Int64("count", n))
	}

	doc, err := k.fetcher.FetchDocument(cctx, cfg.HomepageURL)
	if err != nil {
		err = fmt.Errorf("fetch homepage: %w", err)
		log.Error("cycle aborted", logx.Err(err))
		return k.finish(rep, err), err
	}
	page := scrape.ExtractHomepage(doc, base, cfg.Layout)
	rep.Extracted[entry.KindNews] = len(page.News)
	rep.Extracted[entry.KindRelease] = len(page.Releases)
	log.Info("homepage extracted", logx.Int("news", len(page.News)), logx.Int("releases", len(page.Releases)))

	pending := k.persist(cctx, log, &rep, page.News, page.Releases)
	rep.Pending = len(pending)

	// Barrier: notification composition waits for every enrichment task.
	enriched := map[string]string{}
	for _, r := range k.enricher.Enrich(cctx, pending) {
		switch {
		case r.OK():
			rep.Enriched++
			enriched[key(r.Entry)] = r.Value
		case r.Err != nil:
			rep.EnrichFailed++
		}
	}
	for kind, es := range rep.Inserted {
		for i := range es {
			if v, ok := enriched[key(es[i])]; ok {
				es[i].Secondary = v
			}
		}
		rep.Inserted[kind] = es
	}

	for _, kind := range entry.Kinds {
		es := rep.Inserted[kind]
		if len(es) == 0 {
			continue
		}
		log.Info("sending notification", logx.String("kind", string(kind)), logx.Int("count", len(es)))
		rep.Notified[kind] = k.notifier.Send(ctx, Compose(kind, es, cfg.SiteName))
	}

	if err := cctx.Err(); err != nil && ctx.Err() == nil {
		log.Warn("cycle hit its timeout", logx.Duration("timeout", cfg.CycleTimeout))
	}
	return k.finish(rep, nil), nil
}

// persist inserts entries in extraction order and returns the entries whose
// secondary field is still missing: new ones plus incomplete old ones.
func (k *Keeper) persist(ctx context.Context, log logx.Logger, rep *Report, lists ...[]entry.Entry) []entry.Entry {
	var pending []entry.Entry
	seen := map[string]bool{}
	for _, list := range lists {
		for _, e := range list {
			inserted, err := k.store.Insert(ctx, e)
			if err != nil {
				log.Error("persist failed", logx.String("title", e.Title), logx.Err(err))
				continue
			}
			if inserted {
				rep.Inserted[e.Kind] = append(rep.Inserted[e.Kind], e)
			} else {
				has, err := k.store.HasSecondary(ctx, e.Kind, e.Fingerprint)
				if err != nil {
					log.Error("secondary check failed", logx.String("title", e.Title), logx.Err(err))
					continue
				}
				if has {
					log.Debug("entry already stored", logx.String("kind", string(e.Kind)), logx.String("title", e.Title))
					continue
				}
			}
			if seen[key(e)] {
				continue
			}
			seen[key(e)] = true
			pending = append(pending, e)
		}
	}
	return pending
}

func (k *Keeper) finish(rep Report, err error) Report {
	rep.Took = time.Since(rep.Started)
	d := eventbus.CycleData{
		CycleID:   rep.CycleID,
		Took:      rep.Took,
		Extracted: map[string]int{},
		Inserted:  map[string]int{},
		Enriched:  rep.Enriched,
		Notified:  map[string]string{},
	}
	for kind, n := range rep.Extracted {
		d.Extracted[string(kind)] = n
	}
	for kind, es := range rep.Inserted {
		d.Inserted[string(kind)] = len(es)
	}
	for kind, r := range rep.Notified {
		d.Notified[string(kind)] = r.String()
	}
	typ := eventbus.CycleFinished
	if err != nil {
		typ = eventbus.CycleFailed
		d.Err = err.Error()
	} else {
		k.log.Info("cycle finished",
			logx.String("cycle", rep.CycleID),
			logx.Int("inserted", rep.InsertedCount()),
			logx.Int("enriched", rep.Enriched),
			logx.Int("enrich_failed", rep.EnrichFailed),
			logx.Duration("took", rep.Took))
	}
	k.bus.Publish(eventbus.Event{Type: typ, Data: d})
	return rep
}

func key(e entry.Entry) string { return string(e.Kind) + ":" + e.Fingerprint }
