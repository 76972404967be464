// Package tracker records the durable per-job and per-artifact status that
// makes patch runs auditable and resumable.
package tracker

import (
	"context"
	"errors"
	"time"

	"pipeline-patcher/internal/models"
)

// ErrNotFound is returned by backends for missing jobs.
var ErrNotFound = errors.New("not found")

// JobFilter narrows job listings. Zero values mean "no restriction".
type JobFilter struct {
	Verdicts []models.Verdict
	Since    time.Time
	Limit    int
}

// Matches applies the filter to one summary. Backends that cannot express the
// filter natively use it after loading.
func (f JobFilter) Matches(s models.JobSummary) bool {
	if !f.Since.IsZero() && s.Job.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Verdicts) == 0 {
		return true
	}
	v := s.Verdict()
	for _, want := range f.Verdicts {
		if want == v {
			return true
		}
	}
	return false
}

// Backend is the persistence contract shared by the Postgres and embedded stores.
type Backend interface {
	// SyncKinds upserts the kind catalog. Existing names only get their rank
	// refreshed; names are never removed.
	SyncKinds(ctx context.Context, kinds []models.ArtifactKind) error
	ListKinds(ctx context.Context) ([]models.ArtifactKind, error)

	// RegisterJob inserts a job, ignoring duplicates. It returns the stored job
	// and whether it was newly created.
	RegisterJob(ctx context.Context, job models.Job) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.JobSummary, error)

	// GetRun returns the run status and whether it exists.
	GetRun(ctx context.Context, jobID string) (models.RunStatus, bool, error)
	// UpdateRun reads, mutates and writes the run status in one transaction.
	UpdateRun(ctx context.Context, jobID string, fn func(run *models.RunStatus, exists bool) error) (models.RunStatus, error)

	TableStatuses(ctx context.Context, jobID string) ([]models.TableStatus, error)
	// UpdateTableStatus reads, mutates and writes one (job, kind) row in one
	// transaction. A missing row is passed to fn in the none state.
	UpdateTableStatus(ctx context.Context, jobID, kind string, fn func(ts *models.TableStatus) error) (models.TableStatus, error)

	Close() error
}
