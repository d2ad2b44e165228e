// Package app wires cryptkeeper's components together and owns their
// lifecycle: startup, config hot reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cryptkeeper/internal/config"
	"cryptkeeper/internal/enrich"
	"cryptkeeper/internal/eventbus"
	"cryptkeeper/internal/keeper"
	"cryptkeeper/internal/notifier"
	"cryptkeeper/internal/observability/httpserver"
	"cryptkeeper/internal/observability/metrics"
	rtsup "cryptkeeper/internal/runtime/supervisor"
	"cryptkeeper/internal/runtime/sdnotify"
	"cryptkeeper/internal/scheduler"
	"cryptkeeper/internal/scrape"
	"cryptkeeper/internal/storage"
	logx "cryptkeeper/pkg/logx"
)

const cycleJob = "scrape"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	enricher *enrich.Scheduler
	notif    *notifier.Service
	keeper   *keeper.Keeper
	sched    *scheduler.Service
	metrics  *metrics.Collector
	http     *httpserver.Service
	sd       *sdnotify.Notifier

	lastMu    sync.Mutex
	last      keeper.Report
	lastErr   error
	lastOK    time.Time
	startedAt time.Time
}

// New loads cfgPath and builds every component. Nothing runs until Start or
// RunOnce.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgm.Path(), err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a, err := build(cfg, cfgm, store, log, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.logs = logSvc
	return a, nil
}

// build wires the pipeline on top of an opened store.
func build(cfg *Config, cfgm *config.ConfigManager, store storage.Store, log logx.Logger, bus eventbus.Bus) (*App, error) {
	cc, err := mapClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := scrape.NewClient(cc)

	ec, err := mapEnrichConfig(cfg)
	if err != nil {
		return nil, err
	}
	enricher := enrich.New(ec, scrape.Resolver{Fetcher: client}.Resolve, store.SetSecondary, log, bus)

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	deliverer, err := newDeliverer(cfg, log.With(logx.String("comp", "transport")))
	if err != nil {
		return nil, err
	}
	notif := notifier.New(nc, store, deliverer, log, bus)

	kc, err := mapKeeperConfig(cfg)
	if err != nil {
		return nil, err
	}
	kp, err := keeper.New(kc, client, store, enricher, notif, log, bus)
	if err != nil {
		return nil, err
	}

	_, loc, err := mapSchedule(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		bus:      bus,
		store:    store,
		enricher: enricher,
		notif:    notif,
		keeper:   kp,
		sched:    scheduler.New(log, loc),
		metrics:  metrics.New(),
		sd:       sdnotify.New(log),
	}
	a.http = httpserver.New(httpserver.Config{}, a.metrics.Gatherer(), a.health, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce executes exactly one cycle with the loaded configuration.
func (a *App) RunOnce(ctx context.Context) (keeper.Report, error) {
	collectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.metrics.Run(collectCtx, a.bus)
	return a.runCycle(ctx)
}

func (a *App) runCycle(ctx context.Context) (keeper.Report, error) {
	rep, err := a.keeper.RunCycle(ctx)
	if errors.Is(err, keeper.ErrCycleRunning) {
		a.log.Warn("cycle skipped: previous cycle still running")
		return rep, err
	}
	a.lastMu.Lock()
	a.last, a.lastErr = rep, err
	if err == nil {
		a.lastOK = time.Now()
	}
	a.lastMu.Unlock()

	status := fmt.Sprintf("last cycle %s: %d new", time.Now().Format(time.RFC3339), rep.InsertedCount())
	if err != nil {
		status = "last cycle failed: " + err.Error()
	}
	a.sd.Status(status)
	return rep, err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *Config) error { return validate(c) })

	a.sup.Go0("metrics.collect", func(c context.Context) { a.metrics.Run(c, a.bus) })

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http.Reconfigure(a.sup.Context(), hc)

	raw, _, err := mapSchedule(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.Add(cycleJob, raw, func(c context.Context) { _, _ = a.runCycle(c) }); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if cfg.Scraper.RunOnStartEnabled() {
		a.sup.Go0("cycle.initial", func(c context.Context) { _, _ = a.runCycle(c) })
	}

	a.startReloader()
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go0("sdnotify.watchdog", a.sd.Watchdog)

	a.sd.Ready("watching " + cfg.Scraper.HomepageURL)
	a.log.Info("app started",
		logx.String("schedule", raw),
		logx.String("transport", a.notif.Transport()),
		logx.Time("next_run", a.sched.Next(cycleJob)),
	)
	return nil
}

// startReloader applies published configs to live components.
func (a *App) startReloader() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	restart := config.RestartRequired(sections)
	if transportName(oldCfg) != transportName(newCfg) || oldCfg.Notifier.IsEnabled() != newCfg.Notifier.IsEnabled() {
		restart = append(restart, "notifier.transport")
	}
	if strings.TrimSpace(oldCfg.Scraper.Timezone) != strings.TrimSpace(newCfg.Scraper.Timezone) {
		restart = append(restart, "scraper.timezone")
	}
	if oldCfg.Scraper.UserAgent != newCfg.Scraper.UserAgent || oldCfg.Scraper.RequestTimeout != newCfg.Scraper.RequestTimeout {
		restart = append(restart, "scraper.http_client")
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if kc, err := mapKeeperConfig(newCfg); err != nil {
		a.log.Warn("invalid scraper config; keeping previous", logx.Err(err))
	} else if err := a.keeper.Apply(kc); err != nil {
		a.log.Warn("scraper config rejected; keeping previous", logx.Err(err))
	}
	if raw, _, err := mapSchedule(newCfg); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	} else if _, err := a.sched.Reschedule(cycleJob, raw); err != nil {
		a.log.Warn("reschedule failed", logx.Err(err))
	}
	if ec, err := mapEnrichConfig(newCfg); err != nil {
		a.log.Warn("invalid enrich config; keeping previous", logx.Err(err))
	} else {
		a.enricher.Apply(ec)
	}
	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}
	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Close releases resources of an app that was never started (once mode).
func (a *App) Close() { a.closeStore() }

// step runs one shutdown step with an upper bound so one component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
