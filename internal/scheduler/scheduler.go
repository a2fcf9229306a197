// Package scheduler runs periodic, daily and one-shot refresh triggers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"plantcare/internal/clock"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wraps a cron runner in the configured location. Jobs are
// registered through Groups so that all triggers of one entry can be
// cancelled together.
type Scheduler struct {
	cron   *cron.Cron
	clock  clock.Clock
	loc    *time.Location
	logger *zap.Logger
}

func New(loc *time.Location, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	logger = logger.Named("scheduler")
	cronLog := cronLogger{logger.Sugar()}

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		clock:  clk,
		loc:    loc,
		logger: logger,
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop stops the cron runner and waits for running jobs or ctx
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.logger.Info("Scheduler stopped")
}

// Jobs returns the number of registered cron jobs
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// NewGroup creates an empty group of jobs
func (s *Scheduler) NewGroup(name string) *Group {
	return &Group{s: s, name: name}
}

// Group is a set of triggers that are cancelled together
type Group struct {
	s    *Scheduler
	name string

	mu       sync.Mutex
	entries  []cron.EntryID
	timers   []clock.Timer
	canceled bool
}

// Every runs fn at a fixed interval of at least one second
func (g *Group) Every(interval time.Duration, fn func()) error {
	if interval < time.Second {
		return fmt.Errorf("interval %s is shorter than one second", interval)
	}
	return g.add(fmt.Sprintf("@every %s", interval.Round(time.Second)), fn)
}

// DailyAt runs fn every day at a wall-clock time "HH:MM" in the scheduler's location
func (g *Group) DailyAt(at string, fn func()) error {
	spec, err := DailySpec(at)
	if err != nil {
		return err
	}
	return g.add(spec, fn)
}

func (g *Group) add(spec string, fn func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled {
		return fmt.Errorf("group %s is canceled", g.name)
	}

	id, err := g.s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	g.entries = append(g.entries, id)

	g.s.logger.Debug("Job scheduled", zap.String("group", g.name), zap.String("spec", spec))
	return nil
}

// Next returns the earliest upcoming cron run of the group, measured from
// the scheduler's clock. ok is false when the group has no cron jobs.
func (g *Group) Next() (next time.Time, ok bool) {
	g.mu.Lock()
	ids := append([]cron.EntryID(nil), g.entries...)
	g.mu.Unlock()

	now := g.s.clock.Now().In(g.s.loc)
	for _, id := range ids {
		entry := g.s.cron.Entry(id)
		if !entry.Valid() {
			continue
		}
		if t := entry.Schedule.Next(now); next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next, !next.IsZero()
}

// After runs fn once after d
func (g *Group) After(d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled {
		return
	}
	g.timers = append(g.timers, g.s.clock.AfterFunc(d, fn))
}

// Cancel removes every job and pending timer of the group
func (g *Group) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.entries {
		g.s.cron.Remove(id)
	}
	for _, timer := range g.timers {
		timer.Stop()
	}
	g.entries, g.timers = nil, nil
	g.canceled = true
}

// DailySpec converts "HH:MM" into a seconds-enabled cron spec
func DailySpec(at string) (string, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return "", fmt.Errorf("invalid daily time %q, expected HH:MM: %w", at, err)
	}
	return fmt.Sprintf("0 %d %d * * *", t.Minute(), t.Hour()), nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
