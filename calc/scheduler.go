/*
scheduler.go - Periodic incremental recalculation

PURPOSE:
  Keeps indexes fresh as facts arrive by submitting an incremental task for
  each watched price base date on a fixed interval. Incremental tasks skip
  groups whose samples did not change, so a quiet tick is cheap.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Submits once immediately on Start, then on every tick
  - A date whose scope is already held by an active task is skipped; the
    running task covers it
  - A full queue stops the tick early; the next tick retries

CONFIGURATION:
  - Interval:       How often to submit (default: 1 hour)
  - PriceBaseDates: Dates to watch; empty means the current month (YYYY-MM)
  - Enabled:        Whether the scheduler runs at all

USAGE:
  scheduler := calc.NewScheduler(runner, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - runner.go: Submit, ErrTaskConflict, ErrQueueFull
*/
package calc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/index"
)

// Scheduler submits incremental tasks on an interval.
type Scheduler struct {
	Runner         *Runner
	Interval       time.Duration
	PriceBaseDates []string
	Enabled        bool
	Logger         *zap.Logger
	Now            func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates an enabled scheduler with a one hour interval.
func NewScheduler(runner *Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Runner:   runner,
		Interval: time.Hour,
		Enabled:  true,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("recalc scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("recalc scheduler started",
		zap.Duration("interval", s.Interval),
		zap.Strings("price_base_dates", s.PriceBaseDates))
}

// Stop stops the scheduler and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("recalc scheduler stopped")
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.Tick(context.Background())
	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) dates() []string {
	if len(s.PriceBaseDates) > 0 {
		return s.PriceBaseDates
	}
	return []string{s.Now().Format("2006-01")}
}

// TickResult counts what one tick did.
type TickResult struct {
	Submitted int
	Skipped   int
	Failed    int
}

// Tick submits one incremental task per watched date.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	for _, date := range s.dates() {
		task, err := s.Runner.Submit(ctx, SubmitRequest{
			Name:          "scheduled " + date,
			Type:          index.TaskIncremental,
			PriceBaseDate: date,
		})
		switch {
		case err == nil:
			res.Submitted++
			s.Logger.Debug("scheduled task submitted", zap.String("task_id", task.ID), zap.String("price_base_date", date))
		case errors.Is(err, index.ErrTaskConflict):
			res.Skipped++
		case errors.Is(err, index.ErrQueueFull):
			res.Failed++
			s.Logger.Warn("calc queue full, scheduled tick cut short", zap.String("price_base_date", date))
			return res
		default:
			res.Failed++
			s.Logger.Error("scheduled submit failed", zap.String("price_base_date", date), zap.Error(err))
		}
	}
	if res.Submitted > 0 || res.Skipped > 0 {
		s.Logger.Info("recalc tick",
			zap.Int("submitted", res.Submitted),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
	return res
}
