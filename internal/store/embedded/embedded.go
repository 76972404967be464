// Package embedded implements the tracker backend on Badger through
// badgerhold, for single-host deployments and tests.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/tracker"
)

// Store keeps kinds, jobs, run and table statuses in one badgerhold store.
type Store struct {
	store  *badgerhold.Store
	logger *slog.Logger
}

var _ tracker.Backend = (*Store)(nil)

type kindRecord struct {
	Name         string
	Rank         int
	Category     string
	Label        string
	Parent       string
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

type jobRecord struct {
	ID        string
	Job       models.Job
	CreatedAt time.Time
}

type runRecord struct {
	JobID string
	Run   models.RunStatus
}

type tableRecord struct {
	JobID  string
	Kind   string
	Status models.TableStatus
}

// Open opens (or creates) the database at path. An empty path keeps
// everything in memory.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	options := badgerhold.DefaultOptions
	options.Logger = nil // badger's own logger is noisy; errors surface through returns
	if path == "" {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		options.Dir = path
		options.ValueDir = path
	}

	logger.Debug("opening badger store", "path", path, "in_memory", path == "")
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{store: store, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func tableKey(jobID, kind string) string {
	return jobID + "\x00" + kind
}

// SyncKinds upserts the catalog; existing names only get a new rank.
func (s *Store) SyncKinds(ctx context.Context, kinds []models.ArtifactKind) error {
	now := time.Now().UTC()
	return s.store.Badger().Update(func(tx *badger.Txn) error {
		for _, k := range kinds {
			var rec kindRecord
			err := s.store.TxGet(tx, k.Name, &rec)
			switch {
			case errors.Is(err, badgerhold.ErrNotFound):
				rec = kindRecord{
					Name:         k.Name,
					Rank:         k.Rank,
					Category:     string(k.Category),
					Label:        string(k.Label),
					Parent:       k.Parent,
					RegisteredAt: now,
					UpdatedAt:    now,
				}
			case err != nil:
				return fmt.Errorf("get kind %s: %w", k.Name, err)
			default:
				rec.Rank = k.Rank
				rec.UpdatedAt = now
			}
			if err := s.store.TxUpsert(tx, k.Name, &rec); err != nil {
				return fmt.Errorf("upsert kind %s: %w", k.Name, err)
			}
		}
		return nil
	})
}

// ListKinds returns the persisted catalog by rank.
func (s *Store) ListKinds(ctx context.Context) ([]models.ArtifactKind, error) {
	var recs []kindRecord
	if err := s.store.Find(&recs, nil); err != nil {
		return nil, fmt.Errorf("list kinds: %w", err)
	}
	out := make([]models.ArtifactKind, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.ArtifactKind{
			Name:     r.Name,
			Rank:     r.Rank,
			Category: models.Category(r.Category),
			Label:    models.Label(r.Label),
			Parent:   r.Parent,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// RegisterJob inserts the job unless its ID already exists.
func (s *Store) RegisterJob(ctx context.Context, job models.Job) (models.Job, bool, error) {
	if job.ID == "" {
		return models.Job{}, false, fmt.Errorf("job id is required")
	}
	var stored models.Job
	created := false
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		var rec jobRecord
		err := s.store.TxGet(tx, job.ID, &rec)
		if err == nil {
			stored = rec.Job
			return nil
		}
		if !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		rec = jobRecord{ID: job.ID, Job: job, CreatedAt: job.CreatedAt}
		if err := s.store.TxInsert(tx, job.ID, &rec); err != nil {
			return err
		}
		stored = job
		created = true
		return nil
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("register job %s: %w", job.ID, err)
	}
	return stored, created, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	var rec jobRecord
	if err := s.store.Get(id, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, tracker.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec.Job, nil
}

// ListJobs joins jobs with their run status, newest first.
func (s *Store) ListJobs(ctx context.Context, f tracker.JobFilter) ([]models.JobSummary, error) {
	var jobs []jobRecord
	if err := s.store.Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var runs []runRecord
	if err := s.store.Find(&runs, nil); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	byJob := make(map[string]models.RunStatus, len(runs))
	for _, r := range runs {
		byJob[r.JobID] = r.Run
	}

	out := make([]models.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		sum := models.JobSummary{Job: j.Job}
		if run, ok := byJob[j.ID]; ok {
			sum.Run = &run
		}
		if f.Matches(sum) {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Job.CreatedAt.Equal(out[j].Job.CreatedAt) {
			return out[i].Job.CreatedAt.After(out[j].Job.CreatedAt)
		}
		return out[i].Job.ID < out[j].Job.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetRun returns the run status of a job.
func (s *Store) GetRun(ctx context.Context, jobID string) (models.RunStatus, bool, error) {
	var rec runRecord
	if err := s.store.Get(jobID, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.RunStatus{}, false, nil
		}
		return models.RunStatus{}, false, fmt.Errorf("get run %s: %w", jobID, err)
	}
	return rec.Run, true, nil
}

// UpdateRun mutates the run status inside one badger transaction.
func (s *Store) UpdateRun(ctx context.Context, jobID string, fn func(*models.RunStatus, bool) error) (models.RunStatus, error) {
	var out models.RunStatus
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		var job jobRecord
		if err := s.store.TxGet(tx, jobID, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
			}
			return err
		}
		var rec runRecord
		exists := true
		if err := s.store.TxGet(tx, jobID, &rec); err != nil {
			if !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
			exists = false
			rec = runRecord{JobID: jobID}
		}
		if err := fn(&rec.Run, exists); err != nil {
			return err
		}
		out = rec.Run
		return s.store.TxUpsert(tx, jobID, &rec)
	})
	if err != nil {
		return models.RunStatus{}, err
	}
	return out, nil
}

// TableStatuses lists every tracked kind of a job.
func (s *Store) TableStatuses(ctx context.Context, jobID string) ([]models.TableStatus, error) {
	var recs []tableRecord
	if err := s.store.Find(&recs, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("list table statuses: %w", err)
	}
	out := make([]models.TableStatus, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// UpdateTableStatus mutates one (job, kind) row inside one badger transaction.
func (s *Store) UpdateTableStatus(ctx context.Context, jobID, kind string, fn func(*models.TableStatus) error) (models.TableStatus, error) {
	key := tableKey(jobID, kind)
	var out models.TableStatus
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		var job jobRecord
		if err := s.store.TxGet(tx, jobID, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
			}
			return err
		}
		var rec tableRecord
		if err := s.store.TxGet(tx, key, &rec); err != nil {
			if !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
			rec = tableRecord{JobID: jobID, Kind: kind, Status: models.TableStatus{JobID: jobID, Kind: kind}}
		}
		if err := fn(&rec.Status); err != nil {
			return err
		}
		out = rec.Status
		return s.store.TxUpsert(tx, key, &rec)
	})
	if err != nil {
		return models.TableStatus{}, err
	}
	return out, nil
}
