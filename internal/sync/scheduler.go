package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the orchestrator on a fixed cadence: incremental syncs
// every interval, one full sync daily. A single-slot flag skips a tick when
// the previous one is still running, so overlapping syncs never stack up.
type Scheduler struct {
	orch     *Orchestrator
	cron     *cron.Cron
	interval int // minutes
	fullHour int // 0-23
	log      *slog.Logger

	mu      sync.Mutex
	syncing bool
}

func NewScheduler(orch *Orchestrator, intervalMinutes, fullHour int) *Scheduler {
	return &Scheduler{
		orch:     orch,
		cron:     cron.New(),
		interval: intervalMinutes,
		fullHour: fullHour,
		log:      slog.Default().With("component", "scheduler"),
	}
}

// Start registers both jobs and begins ticking. ctx cancellation reaches
// running syncs through the orchestrator.
func (s *Scheduler) Start(ctx context.Context) error {
	incSpec := fmt.Sprintf("@every %dm", s.interval)
	if _, err := s.cron.AddFunc(incSpec, func() { s.run(ctx, false) }); err != nil {
		return fmt.Errorf("schedule incremental sync: %w", err)
	}

	fullSpec := fmt.Sprintf("0 %d * * *", s.fullHour)
	if _, err := s.cron.AddFunc(fullSpec, func() { s.run(ctx, true) }); err != nil {
		return fmt.Errorf("schedule full sync: %w", err)
	}

	s.cron.Start()
	s.log.Info("scheduler started", "interval_minutes", s.interval, "full_sync_hour", s.fullHour)
	return nil
}

// Stop halts the tickers and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.log.Info("scheduler stopped")
}

// RunNow triggers one cycle outside the schedule, honoring the same
// single-slot exclusion.
func (s *Scheduler) RunNow(ctx context.Context, full bool) {
	s.run(ctx, full)
}

func (s *Scheduler) run(ctx context.Context, full bool) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		s.log.Warn("previous sync still running, skipping tick", "full", full)
		return
	}
	s.syncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	results, err := s.orch.SyncAll(ctx, full)
	if err != nil {
		s.log.Error("sync cycle failed", "full", full, "error", err)
		return
	}

	var created, updated, failures int
	for _, res := range results {
		created += res.Created
		updated += res.Updated
		failures += len(res.Errors)
	}
	s.log.Info("sync cycle finished",
		"full", full, "bodies", len(results),
		"created", created, "updated", updated, "errors", failures)
}

// Syncing reports whether a cycle is currently running.
func (s *Scheduler) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}
