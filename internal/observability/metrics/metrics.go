// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cryptkeeper/internal/eventbus"
)

const namespace = "cryptkeeper"

// Collector owns a private registry so several instances (tests, restarts)
// never collide on global registration.
type Collector struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Summary
	lastSuccess   prometheus.Gauge
	extracted     *prometheus.GaugeVec
	inserted      *prometheus.CounterVec
	enrich        *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{reg: prometheus.NewRegistry()}

	c.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Sync cycles by outcome.",
	}, []string{"outcome"})
	c.cycleDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  namespace,
		Name:       "cycle_duration_seconds",
		Help:       "Duration of sync cycles.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	c.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last cycle that completed.",
	})
	c.extracted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entries_extracted",
		Help:      "Entries found on the homepage in the last completed cycle.",
	}, []string{"kind"})
	c.inserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_inserted_total",
		Help:      "Newly stored entries.",
	}, []string{"kind"})
	c.enrich = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrich_total",
		Help:      "Detail page fetches by kind and result.",
	}, []string{"kind", "result"})
	c.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification attempts by result.",
	}, []string{"result"})

	c.reg.MustRegister(
		c.cycles, c.cycleDuration, c.lastSuccess, c.extracted, c.inserted, c.enrich, c.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Gatherer exposes the registry to the HTTP server.
func (c *Collector) Gatherer() prometheus.Gatherer { return c.reg }

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Handle(ev)
		}
	}
}

// Handle updates series for one event.
func (c *Collector) Handle(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.CycleFinished, eventbus.CycleFailed:
		d, ok := ev.Data.(eventbus.CycleData)
		if !ok {
			return
		}
		outcome := "ok"
		if ev.Type == eventbus.CycleFailed {
			outcome = "failed"
		}
		c.cycles.WithLabelValues(outcome).Inc()
		c.cycleDuration.Observe(d.Took.Seconds())
		if outcome == "ok" {
			ts := ev.Time
			if ts.IsZero() {
				ts = time.Now()
			}
			c.lastSuccess.Set(float64(ts.Unix()))
			for kind, n := range d.Extracted {
				c.extracted.WithLabelValues(kind).Set(float64(n))
			}
		}
		for kind, n := range d.Inserted {
			c.inserted.WithLabelValues(kind).Add(float64(n))
		}
	case eventbus.EnrichItem:
		d, ok := ev.Data.(eventbus.EnrichData)
		if !ok {
			return
		}
		result := "ok"
		switch {
		case d.Err != "":
			result = "error"
		case d.Empty:
			result = "empty"
		}
		c.enrich.WithLabelValues(d.Kind, result).Inc()
	case eventbus.NotifySent:
		c.notifications.WithLabelValues("sent").Inc()
	case eventbus.NotifySuppressed:
		c.notifications.WithLabelValues("suppressed").Inc()
	case eventbus.NotifyFailed:
		c.notifications.WithLabelValues("failed").Inc()
	}
}
