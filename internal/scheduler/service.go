package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "babbell/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

const (
	defaultTimeout     = 2 * time.Minute
	defaultHistorySize = 100
)

// Schedule rings Action for Tenant whenever Spec fires.
type Schedule struct {
	Name   string
	Spec   string
	Tenant string
	Action string
}

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
	// Timeout bounds one run.
	Timeout     time.Duration
	HistorySize int
	Schedules   []Schedule
}

// FireFunc performs one scheduled run.
type FireFunc func(ctx context.Context, s Schedule) error

type entry struct {
	sched   Schedule
	spec    ParsedSpec
	id      cron.EntryID
	running atomic.Bool
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	clock   clockwork.Clock
	fire    FireFunc
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	entries []*entry

	parent context.Context
	runCtx context.Context
	cancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

// WithClock sets the clock used for history timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func New(cfg Config, fire FireFunc, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "scheduler")),
		clock: clockwork.NewRealClock(),
		fire:  fire,
		cfg:   cfg,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate checks names, specs and timezone without touching a running
// service.
func Validate(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return fmt.Errorf("schedules[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(sc.Tenant) == "" {
			return fmt.Errorf("schedule %q: tenant required", name)
		}
		if strings.TrimSpace(sc.Action) == "" {
			return fmt.Errorf("schedule %q: action required", name)
		}
		if _, err := ParseSpec(sc.Spec); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start registers the configured schedules and starts the cron runner. A
// disabled scheduler starts nothing. The first ctx passed to Start outlives
// restarts triggered by Apply.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.parent == nil {
		s.parent = ctx
	}
	if err := Validate(s.cfg); err != nil {
		return err
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(s.parent)
	s.startLocked()
	return nil
}

func (s *Service) startLocked() {
	loc, _ := loadLocation(s.cfg.Timezone)
	s.loc = loc
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	s.entries = s.entries[:0]
	for _, sc := range s.cfg.Schedules {
		s.addLocked(sc)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) addLocked(sc Schedule) {
	ps, err := ParseSpec(sc.Spec)
	if err != nil {
		s.log.Error("schedule rejected", logx.String("name", sc.Name), logx.Err(err))
		return
	}
	e := &entry{sched: sc, spec: ps}
	id, err := s.c.AddFunc(ps.Cron, func() { s.run(e) })
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", sc.Name), logx.String("spec", ps.Cron), logx.Err(err))
		return
	}
	e.id = id
	s.entries = append(s.entries, e)
	s.log.Debug("schedule registered",
		logx.String("name", sc.Name),
		logx.String("kind", ps.Kind.String()),
		logx.String("spec", ps.Cron),
		logx.Time("next", s.c.Entry(id).Next),
	)
}

// Stop halts the cron runner and cancels in-flight runs, waiting for them
// until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.entries = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps in cfg. Schedules are replaced wholesale; a timezone or enabled
// change restarts the runner.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	parent := s.parent
	running := s.c != nil
	restart := running && (strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || !cfg.Enabled)
	if running && !restart {
		for _, e := range s.entries {
			s.c.Remove(e.id)
		}
		s.entries = s.entries[:0]
		for _, sc := range cfg.Schedules {
			s.addLocked(sc)
		}
		s.log.Info("schedules replaced", logx.Int("schedules", len(s.entries)))
	}
	s.mu.Unlock()

	switch {
	case restart:
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(parent)
	case parent != nil && !running && cfg.Enabled && !old.Enabled:
		return s.Start(parent)
	}
	return nil
}

func (s *Service) run(e *entry) {
	start := s.clock.Now()
	if !e.running.CompareAndSwap(false, true) {
		s.log.Debug("schedule skipped (previous run still running)", logx.String("name", e.sched.Name))
		s.record(HistoryItem{Name: e.sched.Name, Tenant: e.sched.Tenant, Action: e.sched.Action, Started: start, Error: "overlap_skip"})
		return
	}
	defer e.running.Store(false)

	s.mu.Lock()
	base := s.runCtx
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	var err error
	if s.fire == nil {
		err = errors.New("no fire func")
	} else {
		err = s.fire(ctx, e.sched)
	}
	dur := s.clock.Since(start)

	item := HistoryItem{Name: e.sched.Name, Tenant: e.sched.Tenant, Action: e.sched.Action, Started: start, Duration: dur}
	fields := []logx.Field{
		logx.String("name", e.sched.Name),
		logx.String("tenant", e.sched.Tenant),
		logx.String("action", e.sched.Action),
		logx.Duration("dur", dur),
	}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("scheduled run failed", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("scheduled run completed", fields...)
	}
	s.record(item)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = defaultHistorySize
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

// cronLogger routes robfig/cron's own messages (recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
