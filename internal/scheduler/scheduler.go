// Package scheduler drives the engine's topic refreshes: a forced full
// pass on startup, an hourly cron anchor for the main channel topics, a
// fixed-interval poll for invasions, and a self-paced loop for the
// open-world cycles.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// refresher is the slice of engine.Engine the scheduler needs.
type refresher interface {
	RefreshMain(ctx context.Context)
	RefreshInvasions(ctx context.Context, force bool)
	RefreshCycles(ctx context.Context, force bool) time.Duration
}

// Scheduler owns the timing of all topic refreshes.
type Scheduler struct {
	eng    refresher
	log    *slog.Logger
	minute int

	invasionTick time.Duration
	// The feeds rotate on UTC hours, so the hourly anchor is evaluated
	// in UTC rather than the host zone (half-hour-offset zones would
	// otherwise drift the anchor by 30 minutes).
	clockZone *time.Location
}

// New creates a Scheduler firing the hourly refresh at the given minute
// past each hour.
func New(eng refresher, minute int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		eng:          eng,
		log:          log,
		minute:       minute,
		invasionTick: 300 * time.Second,
		clockZone:    time.UTC,
	}
}

// Run performs the startup pass and then blocks driving the periodic
// refreshes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	// Forced startup pass: clean channels and republish everything so a
	// restart never leaves stale messages behind.
	s.log.Info("startup refresh")
	s.eng.RefreshMain(ctx)
	s.eng.RefreshInvasions(ctx, true)
	firstDelay := s.eng.RefreshCycles(ctx, true)
	if ctx.Err() != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(s.clockZone))
	spec := fmt.Sprintf("%d * * * *", s.minute)
	if _, err := c.AddFunc(spec, func() { s.eng.RefreshMain(ctx) }); err != nil {
		return fmt.Errorf("schedule hourly refresh %q: %w", spec, err)
	}
	c.Start()
	defer c.Stop()
	s.log.Info("scheduler running", "hourly_minute", s.minute, "invasion_interval", s.invasionTick)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.invasionLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.cycleLoop(ctx, firstDelay)
	}()
	wg.Wait()
	return nil
}

func (s *Scheduler) invasionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.invasionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.eng.RefreshInvasions(ctx, false)
		}
	}
}

// cycleLoop polls the open-world cycles on the cadence the engine
// reports: each refresh returns how long to sleep before the next one.
func (s *Scheduler) cycleLoop(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next := s.eng.RefreshCycles(ctx, false)
			s.log.Debug("next cycle poll", "delay", next)
			timer.Reset(next)
		}
	}
}
