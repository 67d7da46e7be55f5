package slackindex

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/databridge-io/databridge/pkg/logger"
)

// maxConcurrentRuns bounds how many workspaces index at the same time.
const maxConcurrentRuns = 5

const hourlySchedule = "0 * * * *"

// WorkspaceLister enumerates the workspaces due for scheduled indexing.
type WorkspaceLister func() []string

// Scheduler triggers an hourly incremental run per known workspace.
// Runs compete for a fixed concurrency budget; a workspace whose
// previous run is still live is skipped by the store's lease.
type Scheduler struct {
	indexer    *Indexer
	workspaces WorkspaceLister
	cron       *cron.Cron
	slots      *semaphore.Weighted
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewScheduler wires an hourly schedule over the indexer.
func NewScheduler(indexer *Indexer, workspaces WorkspaceLister) *Scheduler {
	return &Scheduler{
		indexer:    indexer,
		workspaces: workspaces,
		cron:       cron.New(),
		slots:      semaphore.NewWeighted(maxConcurrentRuns),
		logger:     logger.GetLogger("slackindex.scheduler"),
	}
}

// Start registers the hourly job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(hourlySchedule, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "schedule", hourlySchedule)
	return nil
}

// Stop halts the cron loop and waits for scheduled jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
}

// TriggerAll runs every workspace now, outside the schedule. Used by
// the manual indexing endpoint.
func (s *Scheduler) TriggerAll(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	var wg sync.WaitGroup
	for _, workspaceID := range s.workspaces() {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer s.slots.Release(1)
			if err := s.indexer.Run(ctx, id, false); err != nil {
				s.logger.Warn("scheduled indexing run failed", "workspace", id, "error", err)
			}
		}(workspaceID)
	}
	wg.Wait()
}
