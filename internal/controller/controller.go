// Package controller selects pending jobs and drives them through the
// orchestrator one partition at a time.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pipeline-patcher/internal/lock"
	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/patch"
	"pipeline-patcher/internal/telemetry"
	"pipeline-patcher/internal/tracker"
)

// Runner patches one job. *patch.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job models.Job, level models.Level) (patch.Report, error)
}

// Controller drives pending jobs sequentially within each partition.
type Controller struct {
	backend    tracker.Backend
	runner     Runner
	locker     lock.Locker
	logger     *slog.Logger
	partitions int
}

// Summary counts what one pass did.
type Summary struct {
	Selected int
	Verdicts map[models.Verdict]int
	// Failed counts jobs aborted before a verdict was written.
	Failed int
	// Skipped lists partitions held by another process.
	Skipped []string
}

func (s *Summary) merge(o Summary) {
	s.Selected += o.Selected
	s.Failed += o.Failed
	s.Skipped = append(s.Skipped, o.Skipped...)
	for v, n := range o.Verdicts {
		s.Verdicts[v] += n
	}
}

// New builds a controller. A nil locker disables cross-process locking.
func New(backend tracker.Backend, runner Runner, locker lock.Locker, logger *slog.Logger, partitions int) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	if partitions <= 0 {
		partitions = 1
	}
	return &Controller{backend: backend, runner: runner, locker: locker, logger: logger, partitions: partitions}
}

// SelectPending returns the jobs a level selects, grouped by partition key and
// ordered by session start then job date within each group.
func (c *Controller) SelectPending(ctx context.Context, level models.Level) (map[string][]models.Job, error) {
	summaries, err := c.backend.ListJobs(ctx, tracker.JobFilter{Verdicts: level.Verdicts()})
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	groups := map[string][]models.Job{}
	for _, s := range summaries {
		if !level.Includes(s.Verdict()) {
			continue
		}
		key := s.Job.PartitionKey()
		groups[key] = append(groups[key], s.Job)
	}
	for _, jobs := range groups {
		sort.Slice(jobs, func(i, j int) bool {
			a, b := jobs[i], jobs[j]
			if !a.Entity.SessionStart.Equal(b.Entity.SessionStart) {
				return a.Entity.SessionStart.Before(b.Entity.SessionStart)
			}
			if !a.JobDate.Equal(b.JobDate) {
				return a.JobDate.Before(b.JobDate)
			}
			return a.ID < b.ID
		})
	}
	return groups, nil
}

// Run makes one pass over the pending jobs. Job failures are logged and
// counted; only listing errors and cancellation are returned.
func (c *Controller) Run(ctx context.Context, level models.Level) (Summary, error) {
	total := Summary{Verdicts: map[models.Verdict]int{}}
	groups, err := c.SelectPending(ctx, level)
	if err != nil {
		return total, err
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.partitions)
	for _, key := range keys {
		g.Go(func() error {
			s, err := c.runPartition(gctx, key, groups[key], level)
			mu.Lock()
			total.merge(s)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	sort.Strings(total.Skipped)
	c.logger.Info("controller pass finished", "level", level.String(), "selected", total.Selected, "failed", total.Failed, "skipped_partitions", len(total.Skipped))
	return total, err
}

func (c *Controller) runPartition(ctx context.Context, key string, jobs []models.Job, level models.Level) (Summary, error) {
	s := Summary{Verdicts: map[models.Verdict]int{}}
	logger := c.logger.With("partition", key)

	lease, ok, err := c.locker.Acquire(ctx, key)
	if err != nil {
		logger.Error("acquire partition lock", "error", err)
		s.Skipped = append(s.Skipped, key)
		return s, nil
	}
	if !ok {
		logger.Info("partition held elsewhere, skipping", "jobs", len(jobs))
		telemetry.PartitionsSkipped.Inc()
		s.Skipped = append(s.Skipped, key)
		return s, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release partition lock", "error", err)
		}
	}()

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		if err := lease.Extend(ctx); err != nil {
			logger.Error("partition lease lost, stopping partition", "error", err)
			return s, nil
		}
		s.Selected++
		report, err := c.runner.Run(ctx, job, level)
		if err != nil {
			if patch.IsAborted(err) && ctx.Err() != nil {
				return s, ctx.Err()
			}
			s.Failed++
			logger.Error("patch job aborted", "job", job.ID, "error", err)
			continue
		}
		s.Verdicts[report.Verdict]++
	}
	return s, nil
}

// Watch repeats Run every interval until ctx is cancelled.
func (c *Controller) Watch(ctx context.Context, level models.Level, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Run(ctx, level); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("controller pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
