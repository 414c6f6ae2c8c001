package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"catalyst/internal/util"
)

// Pruner drops expired cache entries.
type Pruner interface {
	Prune() int
}

// Renderer renders a chart, filling the image cache as a side effect.
type Renderer interface {
	Render(ctx context.Context, symbol, window string) ([]byte, error)
}

// Scheduler manages the background cron jobs.
type Scheduler struct {
	Cron      *cron.Cron
	Cache     Pruner
	Charts    Renderer
	Watchlist []string
	Ctx       context.Context
	log       *slog.Logger
}

// NewScheduler creates a scheduler. Jobs run in US/Eastern so market-hours
// expressions read naturally.
func NewScheduler(ctx context.Context, cache Pruner, charts Renderer, watchlist []string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = util.Discard()
	}
	return &Scheduler{
		Cron:      cron.New(cron.WithLocation(easternOrUTC())),
		Cache:     cache,
		Charts:    charts,
		Watchlist: watchlist,
		Ctx:       ctx,
		log:       log.With("component", "scheduler"),
	}
}

func easternOrUTC() *time.Location {
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return loc
	}
	return time.UTC
}

// RegisterAll registers the cache prune and watchlist prewarm jobs.
func (s *Scheduler) RegisterAll(pruneCron, prewarmCron string) error {
	if _, err := s.Cron.AddFunc(pruneCron, s.PruneNow); err != nil {
		return fmt.Errorf("register prune task: %w", err)
	}
	if len(s.Watchlist) == 0 || s.Charts == nil {
		return nil
	}
	if _, err := s.Cron.AddFunc(prewarmCron, s.PrewarmNow); err != nil {
		return fmt.Errorf("register prewarm task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.Cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// PruneNow drops expired chart images.
func (s *Scheduler) PruneNow() {
	if s.Cache == nil {
		return
	}
	if n := s.Cache.Prune(); n > 0 {
		s.log.Debug("pruned chart cache", "removed", n)
	}
}

// PrewarmNow renders the 1D chart of every watchlist symbol.
func (s *Scheduler) PrewarmNow() {
	s.prewarm()
}

func (s *Scheduler) prewarm() int {
	ok := 0
	for _, sym := range s.Watchlist {
		if s.Ctx.Err() != nil {
			break
		}
		ctx, cancel := context.WithTimeout(s.Ctx, 30*time.Second)
		_, err := s.Charts.Render(ctx, sym, "1D")
		cancel()
		if err != nil {
			s.log.Warn("prewarm failed", "symbol", sym, "error", err)
			continue
		}
		ok++
	}
	s.log.Info("prewarmed watchlist", "rendered", ok, "total", len(s.Watchlist))
	return ok
}
