// Package scheduler runs the optional background jobs of the binary: rolling
// occurrence generation for recurring events and the completion sweep.
// The engine packages never start goroutines of their own.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"rollcall/internal/clock"
	"rollcall/internal/config"
	appLog "rollcall/internal/log"
	"rollcall/internal/model"
	"rollcall/internal/occurrence"
)

// Events lists stored event definitions.
type Events interface {
	ListEvents(ctx context.Context, kind model.EventKind) ([]model.Event, error)
}

// Engine is the part of the occurrence generator the jobs drive.
type Engine interface {
	GenerateOccurrences(ctx context.Context, eventID string, window occurrence.Window) (occurrence.GenerateResult, error)
	CompleteEnded(ctx context.Context, now time.Time) (int, error)
}

// Summary aggregates one run of both jobs.
type Summary struct {
	Events    int
	Failed    int
	Created   int
	Updated   int
	Removed   int
	Completed int
}

type Scheduler struct {
	events Events
	engine Engine
	clock  clock.Clock
	cfg    config.SchedulerConfig

	mu   sync.Mutex
	cron *cron.Cron
}

// New builds a scheduler. A nil clock means the system clock.
func New(events Events, engine Engine, cfg *config.Config, clk clock.Clock) *Scheduler {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	sc := cfg.Scheduler
	if sc.Concurrency <= 0 {
		sc.Concurrency = 1
	}
	return &Scheduler{events: events, engine: engine, clock: clk, cfg: sc}
}

// Start registers both jobs and starts the cron loop. Jobs run with ctx, and
// the loop stops once ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Generate, func() {
		if _, err := s.GenerateHorizon(ctx); err != nil {
			appLog.Error("scheduled generation failed", err)
		}
	}); err != nil {
		return fmt.Errorf("generate spec %q: %w", s.cfg.Generate, err)
	}
	if _, err := c.AddFunc(s.cfg.Complete, func() {
		if _, err := s.CompleteEnded(ctx); err != nil {
			appLog.Error("scheduled completion failed", err)
		}
	}); err != nil {
		return fmt.Errorf("complete spec %q: %w", s.cfg.Complete, err)
	}

	c.Start()
	s.cron = c
	appLog.Info("scheduler started", "generate", s.cfg.Generate, "complete", s.cfg.Complete,
		"horizon_days", s.cfg.HorizonDays)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop and waits for running jobs. It is safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	appLog.Info("scheduler stopped")
}

// RunOnce runs generation and then the completion sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	sum, err := s.GenerateHorizon(ctx)
	if err != nil {
		return sum, err
	}
	n, err := s.CompleteEnded(ctx)
	sum.Completed = n
	return sum, err
}

// GenerateHorizon materializes every recurring event from today through
// today + horizon_days, today taken in each event's timezone. Events are
// processed concurrently; one event failing does not stop the others.
func (s *Scheduler) GenerateHorizon(ctx context.Context) (Summary, error) {
	events, err := s.events.ListEvents(ctx, model.EventRecurring)
	if err != nil {
		return Summary{}, fmt.Errorf("list recurring events: %w", err)
	}

	now := s.clock.Now()
	var (
		mu  sync.Mutex
		sum = Summary{Events: len(events)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, ev := range events {
		g.Go(func() error {
			res, err := s.engine.GenerateOccurrences(gctx, ev.ID, horizon(ev, now, s.cfg.HorizonDays))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				appLog.Error("horizon generation failed", err, "event_id", ev.ID)
				return nil
			}
			sum.Created += res.Created
			sum.Updated += res.Updated
			sum.Removed += res.Removed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	appLog.Info("horizon generation done",
		"events", sum.Events,
		"failed", sum.Failed,
		"created", sum.Created,
		"updated", sum.Updated,
		"removed", sum.Removed,
	)
	return sum, nil
}

// CompleteEnded marks occurrences whose check-in window has closed as completed.
func (s *Scheduler) CompleteEnded(ctx context.Context) (int, error) {
	return s.engine.CompleteEnded(ctx, s.clock.Now())
}

func horizon(ev model.Event, now time.Time, days int) occurrence.Window {
	loc, err := ev.Location()
	if err != nil {
		// Generation reports the bad zone itself.
		loc = time.UTC
	}
	today := model.DateOf(now.In(loc))
	return occurrence.Window{From: today, To: today.AddDays(days)}
}
