package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgarchiver/pkg/logx"
)

type Service struct {
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
	specs   map[string]string
}

// New returns a stopped scheduler. An empty timezone means local time.
func New(timezone string, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	s := &Service{
		log: log,
		// SecondOptional accepts both 5-field and 6-field specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
		ctx:     context.Background(),
		entries: map[string]cron.EntryID{},
		specs:   map[string]string{},
	}
	cl := cronLogger{log: log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s, nil
}

// AddSchedule registers job under name, replacing any schedule with the
// same name. timeout bounds each run; zero means no limit.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.CronSpec()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
	}
	id, err := s.c.AddFunc(spec, func() { s.run(name, timeout, job) })
	if err != nil {
		return err
	}
	s.entries[name] = id
	s.specs[name] = spec
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

func (s *Service) run(name string, timeout time.Duration, job func(ctx context.Context) error) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base.Err() != nil {
		return
	}
	ctx, cancel := base, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(base, timeout)
	}
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.log.Warn("scheduled job failed", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled job done", logx.String("name", name), logx.Duration("took", time.Since(start)))
}

// Remove unregisters name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.c.Remove(id)
	delete(s.entries, name)
	delete(s.specs, name)
	return true
}

// Next returns the next trigger time of name. It is zero until Start.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.c.Entry(id).Next, true
}

// Start begins triggering. Jobs receive contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.entries)
	s.mu.Unlock()
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", n))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// cronLogger routes robfig/cron's internal logging to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
