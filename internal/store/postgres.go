package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/tracker"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ tracker.Backend = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// SyncKinds upserts the catalog. Re-registration only refreshes the rank so
// historical table statuses keep pointing at the same description.
func (s *Store) SyncKinds(ctx context.Context, kinds []models.ArtifactKind) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, k := range kinds {
		_, err := tx.Exec(ctx, `
			INSERT INTO artifact_kinds (name, rank, category, label, parent)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name) DO UPDATE SET rank = EXCLUDED.rank, updated_at = NOW()
		`, k.Name, k.Rank, string(k.Category), string(k.Label), emptyToNil(k.Parent))
		if err != nil {
			return fmt.Errorf("upsert kind %s: %w", k.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListKinds returns the persisted catalog by rank.
func (s *Store) ListKinds(ctx context.Context) ([]models.ArtifactKind, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, rank, category, label, parent FROM artifact_kinds ORDER BY rank, name
	`)
	if err != nil {
		return nil, fmt.Errorf("query kinds: %w", err)
	}
	defer rows.Close()

	var out []models.ArtifactKind
	for rows.Next() {
		var k models.ArtifactKind
		var category, label string
		var parent pgtype.Text
		if err := rows.Scan(&k.Name, &k.Rank, &category, &label, &parent); err != nil {
			return nil, fmt.Errorf("scan kind: %w", err)
		}
		k.Category = models.Category(category)
		k.Label = models.Label(label)
		k.Parent = parent.String
		out = append(out, k)
	}
	return out, rows.Err()
}

// RegisterJob inserts a job, returning the existing row when the ID is already known.
func (s *Store) RegisterJob(ctx context.Context, job models.Job) (models.Job, bool, error) {
	if job.ID == "" {
		return models.Job{}, false, errors.New("job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, subject, session_start, job_date, subject_nickname, session_uuid, lab, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`, job.ID, job.Entity.Subject, job.Entity.SessionStart, job.JobDate,
		emptyToNil(job.Snapshot.Nickname), emptyToNil(job.Snapshot.SessionUUID), emptyToNil(job.Snapshot.Lab), job.CreatedAt)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return job, true, nil
	}
	existing, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return models.Job{}, false, err
	}
	return existing, false, nil
}

const jobColumns = `j.id, j.subject, j.session_start, j.job_date, j.subject_nickname, j.session_uuid, j.lab, j.created_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs joins jobs with their run status, newest first.
func (s *Store) ListJobs(ctx context.Context, f tracker.JobFilter) ([]models.JobSummary, error) {
	verdicts := make([]string, 0, len(f.Verdicts))
	for _, v := range f.Verdicts {
		verdicts = append(verdicts, string(v))
	}
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`,
		       r.job_id, r.run_start_time, r.run_restart_time, r.run_end_time, r.job_verdict, r.attempts
		FROM jobs j
		LEFT JOIN run_status r ON r.job_id = j.id
		WHERE (cardinality($1::text[]) = 0 OR COALESCE(r.job_verdict, 'unset') = ANY($1::text[]))
		  AND ($2::timestamptz IS NULL OR j.created_at >= $2::timestamptz)
		ORDER BY j.created_at DESC, j.id
		LIMIT $3
	`, verdicts, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobSummary
	for rows.Next() {
		var (
			job      models.Job
			nick     pgtype.Text
			sessUUID pgtype.Text
			lab      pgtype.Text
			runJobID pgtype.Text
			runStart pgtype.Timestamptz
			restart  pgtype.Timestamptz
			end      pgtype.Timestamptz
			verdict  pgtype.Text
			attempts pgtype.Int4
		)
		if err := rows.Scan(&job.ID, &job.Entity.Subject, &job.Entity.SessionStart, &job.JobDate, &nick, &sessUUID, &lab, &job.CreatedAt,
			&runJobID, &runStart, &restart, &end, &verdict, &attempts); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		job.Snapshot = models.Snapshot{Nickname: nick.String, SessionUUID: sessUUID.String, Lab: lab.String}
		sum := models.JobSummary{Job: job}
		if runJobID.Valid {
			sum.Run = &models.RunStatus{
				JobID:      runJobID.String,
				RunStart:   runStart.Time,
				RunRestart: timePtr(restart),
				RunEnd:     timePtr(end),
				Verdict:    models.Verdict(verdict.String),
				Attempts:   int(attempts.Int32),
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetRun returns the run status of a job.
func (s *Store) GetRun(ctx context.Context, jobID string) (models.RunStatus, bool, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT job_id, run_start_time, run_restart_time, run_end_time, job_verdict, attempts
		FROM run_status WHERE job_id = $1
	`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunStatus{}, false, nil
	}
	if err != nil {
		return models.RunStatus{}, false, fmt.Errorf("scan run: %w", err)
	}
	return run, true, nil
}

// UpdateRun locks the job row, mutates the run status and upserts it.
func (s *Store) UpdateRun(ctx context.Context, jobID string, fn func(*models.RunStatus, bool) error) (models.RunStatus, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.RunStatus{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := lockJob(ctx, tx, jobID); err != nil {
		return models.RunStatus{}, err
	}
	run, err := scanRun(tx.QueryRow(ctx, `
		SELECT job_id, run_start_time, run_restart_time, run_end_time, job_verdict, attempts
		FROM run_status WHERE job_id = $1 FOR UPDATE
	`, jobID))
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
		run = models.RunStatus{JobID: jobID}
	} else if err != nil {
		return models.RunStatus{}, fmt.Errorf("scan run: %w", err)
	}

	if err := fn(&run, exists); err != nil {
		return models.RunStatus{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO run_status (job_id, run_start_time, run_restart_time, run_end_time, job_verdict, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			run_start_time = EXCLUDED.run_start_time,
			run_restart_time = EXCLUDED.run_restart_time,
			run_end_time = EXCLUDED.run_end_time,
			job_verdict = EXCLUDED.job_verdict,
			attempts = EXCLUDED.attempts
	`, jobID, run.RunStart, run.RunRestart, run.RunEnd, string(run.Verdict), run.Attempts)
	if err != nil {
		return models.RunStatus{}, fmt.Errorf("upsert run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.RunStatus{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

const tableColumns = `job_id, kind, originally_present, state, delete_time, populate_start_time, populate_done_time, error_text, updated_at`

// TableStatuses lists every tracked kind of a job.
func (s *Store) TableStatuses(ctx context.Context, jobID string) ([]models.TableStatus, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tableColumns+` FROM table_status WHERE job_id = $1 ORDER BY kind`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query table statuses: %w", err)
	}
	defer rows.Close()

	var out []models.TableStatus
	for rows.Next() {
		ts, err := scanTableStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table status: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// UpdateTableStatus locks the (job, kind) row, applies fn and upserts the
// result in one transaction.
func (s *Store) UpdateTableStatus(ctx context.Context, jobID, kind string, fn func(*models.TableStatus) error) (models.TableStatus, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.TableStatus{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := lockJob(ctx, tx, jobID); err != nil {
		return models.TableStatus{}, err
	}
	ts, err := scanTableStatus(tx.QueryRow(ctx, `
		SELECT `+tableColumns+` FROM table_status WHERE job_id = $1 AND kind = $2 FOR UPDATE
	`, jobID, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		ts = models.TableStatus{JobID: jobID, Kind: kind}
	} else if err != nil {
		return models.TableStatus{}, fmt.Errorf("scan table status: %w", err)
	}

	if err := fn(&ts); err != nil {
		return models.TableStatus{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO table_status (`+tableColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, kind) DO UPDATE SET
			originally_present = EXCLUDED.originally_present,
			state = EXCLUDED.state,
			delete_time = EXCLUDED.delete_time,
			populate_start_time = EXCLUDED.populate_start_time,
			populate_done_time = EXCLUDED.populate_done_time,
			error_text = EXCLUDED.error_text,
			updated_at = EXCLUDED.updated_at
	`, jobID, kind, ts.OriginallyPresent, string(ts.State), ts.DeleteTime, ts.PopulateStartTime, ts.PopulateDoneTime,
		emptyToNil(ts.ErrorText), ts.UpdatedAt)
	if err != nil {
		return models.TableStatus{}, fmt.Errorf("upsert table status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.TableStatus{}, fmt.Errorf("commit: %w", err)
	}
	return ts, nil
}

func lockJob(ctx context.Context, tx pgx.Tx, jobID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM jobs WHERE id = $1 FOR SHARE`, jobID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock job %s: %w", jobID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var nick, sessUUID, lab pgtype.Text
	if err := row.Scan(&job.ID, &job.Entity.Subject, &job.Entity.SessionStart, &job.JobDate, &nick, &sessUUID, &lab, &job.CreatedAt); err != nil {
		return models.Job{}, err
	}
	job.Snapshot = models.Snapshot{Nickname: nick.String, SessionUUID: sessUUID.String, Lab: lab.String}
	return job, nil
}

func scanRun(row pgx.Row) (models.RunStatus, error) {
	var run models.RunStatus
	var restart, end pgtype.Timestamptz
	var verdict string
	if err := row.Scan(&run.JobID, &run.RunStart, &restart, &end, &verdict, &run.Attempts); err != nil {
		return models.RunStatus{}, err
	}
	run.RunRestart = timePtr(restart)
	run.RunEnd = timePtr(end)
	run.Verdict = models.Verdict(verdict)
	return run, nil
}

func scanTableStatus(row pgx.Row) (models.TableStatus, error) {
	var ts models.TableStatus
	var state string
	var deleted, started, done pgtype.Timestamptz
	var errText pgtype.Text
	if err := row.Scan(&ts.JobID, &ts.Kind, &ts.OriginallyPresent, &state, &deleted, &started, &done, &errText, &ts.UpdatedAt); err != nil {
		return models.TableStatus{}, err
	}
	ts.State = models.State(state)
	ts.DeleteTime = timePtr(deleted)
	ts.PopulateStartTime = timePtr(started)
	ts.PopulateDoneTime = timePtr(done)
	ts.ErrorText = errText.String
	return ts, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
