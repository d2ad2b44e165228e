package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"cryptkeeper/internal/eventbus"
	"cryptkeeper/internal/storage"
	"cryptkeeper/internal/transport"
	logx "cryptkeeper/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrDisabled = errors.New("notifier disabled")

// Config controls delivery. Zero values fall back to defaults.
type Config struct {
	Enabled      bool
	Window       time.Duration
	MaxPerWindow int
	// RatePerSec smooths bursts of transport calls; it does not replace the
	// window quota.
	RatePerSec  float64
	SendTimeout time.Duration
}

// Result is the outcome of one Send.
type Result int

const (
	Disabled Result = iota
	Sent
	Suppressed
	Failed
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Suppressed:
		return "suppressed"
	case Failed:
		return "failed"
	default:
		return "disabled"
	}
}

// Service owns the limiter and the transport.
//
// Admission, delivery and recording run under one mutex so two concurrent
// senders can never both take the last slot in the window.
type Service struct {
	sendMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	limiter   *Limiter
	smoothing *rate.Limiter

	events    storage.EventLog
	clock     func() time.Time
	deliverer transport.Deliverer
	bus       eventbus.Bus
	log       logx.Logger
}

type Option func(*Service)

// WithClock overrides time.Now for window calculations.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func New(cfg Config, events storage.EventLog, d transport.Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		events:    events,
		deliverer: d,
		bus:       bus,
		log:       log.With(logx.String("comp", "notifier")),
		clock:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the configuration. Safe to call while sends are in flight; the
// next Send observes it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultMaxPerWindow
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	s.cfg = cfg
	s.limiter = NewLimiter(s.events, cfg.Window, cfg.MaxPerWindow, s.clock)
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.smoothing = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

func (s *Service) snapshot() (Config, *Limiter, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.smoothing
}

func (s *Service) Enabled() bool {
	cfg, _, _ := s.snapshot()
	return cfg.Enabled && s.deliverer != nil
}

// Transport names the configured deliverer.
func (s *Service) Transport() string {
	if s.deliverer == nil {
		return ""
	}
	return s.deliverer.Name()
}

// Purge removes events outside the window. The keeper calls it at the start
// of every cycle.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	_, lim, _ := s.snapshot()
	return lim.Purge(ctx)
}

// Send admits, delivers and records one message.
func (s *Service) Send(ctx context.Context, m transport.Message) Result {
	cfg, lim, smooth := s.snapshot()
	log := s.log.With(logx.String("title", m.Title))
	if !cfg.Enabled || s.deliverer == nil {
		log.Info("notifier disabled, message not sent")
		return Disabled
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ok, inWindow, err := lim.TryAdmit(ctx)
	if err != nil {
		// Unknown quota state: do not risk exceeding it.
		log.Error("notification admission check failed, dropping", logx.Err(err))
		s.publish(eventbus.NotifySuppressed, m, inWindow, err)
		return Suppressed
	}
	if !ok {
		log.Warn("notification limit reached, dropping",
			logx.Int("in_window", inWindow), logx.Int("max", lim.Max()), logx.Duration("window", lim.Window()))
		s.publish(eventbus.NotifySuppressed, m, inWindow, nil)
		return Suppressed
	}

	if err := smooth.Wait(ctx); err != nil {
		log.Warn("notification aborted while waiting for send slot", logx.Err(err))
		s.publish(eventbus.NotifyFailed, m, inWindow, err)
		return Failed
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err = s.deliverer.Deliver(callCtx, m)
	cancel()
	if err != nil {
		log.Error("notification delivery failed", logx.String("transport", s.deliverer.Name()), logx.Err(err))
		s.publish(eventbus.NotifyFailed, m, inWindow, err)
		return Failed
	}

	// The message went out; record even if the caller's ctx is ending.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer rcancel()
	if err := lim.Record(rctx); err != nil {
		log.Error("notification sent but not recorded", logx.Err(err))
	}
	log.Info("notification sent", logx.String("transport", s.deliverer.Name()), logx.Int("in_window", inWindow+1))
	s.publish(eventbus.NotifySent, m, inWindow+1, nil)
	return Sent
}

func (s *Service) publish(typ string, m transport.Message, inWindow int, err error) {
	d := eventbus.NotifyData{Title: m.Title, InWindow: inWindow}
	if s.deliverer != nil {
		d.Transport = s.deliverer.Name()
	}
	if err != nil {
		d.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: d})
}
