// Package scheduler triggers the sync cycle on a cron or interval schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "cryptkeeper/pkg/logx"
)

// Job is one scheduled unit of work. It receives the context passed to Start.
type Job func(ctx context.Context)

type jobEntry struct {
	name string
	spec ParsedSpec
	fn   Job
	id   cron.EntryID
}

// EntryInfo describes a registered job.
type EntryInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

// Service wraps robfig/cron. A job never overlaps with itself: a trigger that
// fires while the previous run is still going is skipped.
type Service struct {
	mu   sync.Mutex
	c    *cron.Cron
	loc  *time.Location
	ctx  context.Context
	jobs map[string]*jobEntry
	log  logx.Logger
}

func New(log logx.Logger, loc *time.Location) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Service{loc: loc, jobs: map[string]*jobEntry{}, log: log, ctx: context.Background()}
	cl := cronLogger{log: log}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	return s
}

// Add registers fn under name with the raw schedule.
func (s *Service) Add(name, raw string, fn Job) error {
	if fn == nil {
		return errors.New("scheduler: nil job")
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	je := &jobEntry{name: name, spec: spec, fn: fn}
	if err := s.registerLocked(je); err != nil {
		return err
	}
	s.jobs[name] = je
	s.log.Info("job scheduled", logx.String("job", name), logx.String("spec", spec.String()))
	return nil
}

// Reschedule swaps the schedule of an existing job. It reports whether the
// schedule actually changed.
func (s *Service) Reschedule(name, raw string) (bool, error) {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[name]
	if !ok {
		return false, fmt.Errorf("scheduler: unknown job %q", name)
	}
	if je.spec.Equivalent(spec) {
		return false, nil
	}
	old := je.id
	prev := je.spec
	je.spec = spec
	if err := s.registerLocked(je); err != nil {
		je.spec = prev
		return false, err
	}
	s.c.Remove(old)
	s.log.Info("job rescheduled", logx.String("job", name), logx.String("from", prev.String()), logx.String("to", spec.String()))
	return true, nil
}

func (s *Service) registerLocked(je *jobEntry) error {
	sched, err := je.spec.cronSchedule()
	if err != nil {
		return err
	}
	fn := je.fn
	name := je.name
	je.id = s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.log.Debug("job triggered", logx.String("job", name))
		fn(ctx)
	}))
	return nil
}

// Start begins triggering. Jobs receive ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.jobs)
	s.mu.Unlock()
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", n))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Entries lists registered jobs with their next and previous run times.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.jobs))
	for _, je := range s.jobs {
		e := s.c.Entry(je.id)
		out = append(out, EntryInfo{Name: je.name, Spec: je.spec.String(), Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Next returns the next trigger time of name, or zero if unknown or not
// started.
func (s *Service) Next(name string) time.Time {
	for _, e := range s.Entries() {
		if e.Name == name {
			return e.Next
		}
	}
	return time.Time{}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
