// Package enrich backfills the secondary field of entries by following their
// detail links under a shared concurrency cap.
package enrich

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"cryptkeeper/internal/entry"
	"cryptkeeper/internal/eventbus"
	logx "cryptkeeper/pkg/logx"
)

const (
	DefaultConcurrency = 5
	DefaultDelay       = 5 * time.Second
)

type Config struct {
	Concurrency int
	// Delay is held after every item, success or failure, before its permit
	// is released.
	Delay time.Duration
}

// ResolveFunc fetches the detail page of e and returns its secondary value.
type ResolveFunc func(ctx context.Context, e entry.Entry) (string, error)

// StoreFunc persists a non-empty secondary value.
type StoreFunc func(ctx context.Context, kind entry.Kind, fingerprint, value string) error

// Result is the outcome for one entry.
type Result struct {
	Entry entry.Entry // Secondary is set when Value is non-empty
	Value string
	Err   error
	Took  time.Duration
}

func (r Result) OK() bool { return r.Err == nil && r.Value != "" }

// Scheduler runs enrichment batches. One Scheduler is shared by both entry
// kinds so the cap applies to all detail fetches of a cycle.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	resolve ResolveFunc
	store   StoreFunc
	bus     eventbus.Bus
	log     logx.Logger

	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg Config, resolve ResolveFunc, store StoreFunc, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Scheduler{
		resolve: resolve,
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "enrich")),
		sleep:   sleepCtx,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the configuration. It takes effect at the next Enrich call.
func (s *Scheduler) Apply(cfg Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enrich processes items and returns only after every item has finished.
// Results keep the order of items. A failing item never aborts the batch;
// cancellation of ctx skips items that have not acquired a permit yet.
func (s *Scheduler) Enrich(ctx context.Context, items []entry.Entry) []Result {
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results
	}
	cfg := s.Config()
	sem := semaphore.NewWeighted(int64(cfg.Concurrency))

	var wg sync.WaitGroup
	for i := range items {
		i := i
		results[i].Entry = items[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.one(ctx, items[i])
			s.sleep(ctx, cfg.Delay)
		}()
	}
	wg.Wait()
	return results
}

func (s *Scheduler) one(ctx context.Context, e entry.Entry) Result {
	start := time.Now()
	log := s.log.With(logx.String("kind", string(e.Kind)), logx.String("url", e.URL))
	res := Result{Entry: e}

	value, err := s.resolve(ctx, e)
	switch {
	case err != nil:
		res.Err = err
		log.Warn("detail fetch failed, will retry next cycle", logx.Err(err))
	case value == "":
		log.Info("detail page has no " + e.Kind.SecondaryField() + ", will retry next cycle")
	default:
		if err := s.store(ctx, e.Kind, e.Fingerprint, value); err != nil {
			res.Err = err
			log.Error("storing "+e.Kind.SecondaryField()+" failed", logx.Err(err))
			break
		}
		res.Value = value
		res.Entry.Secondary = value
		log.Info(e.Kind.SecondaryField()+" updated", logx.String("title", e.Title))
	}
	res.Took = time.Since(start)

	d := eventbus.EnrichData{
		Kind:        string(e.Kind),
		Fingerprint: e.Fingerprint,
		OK:          res.OK(),
		Empty:       res.Err == nil && res.Value == "",
		Took:        res.Took,
	}
	if res.Err != nil {
		d.Err = res.Err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EnrichItem, Data: d})
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
