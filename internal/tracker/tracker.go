package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pipeline-patcher/internal/models"
)

const (
	defaultErrorListLimit = 10
	defaultErrorTextLimit = 4000
)

// Tracker applies typed transitions through a Backend.
type Tracker struct {
	backend        Backend
	now            func() time.Time
	errorListLimit int
	errorTextLimit int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithErrorLimits bounds serialized failures: at most list entries and text characters.
func WithErrorLimits(list, text int) Option {
	return func(t *Tracker) {
		if list > 0 {
			t.errorListLimit = list
		}
		if text > 0 {
			t.errorTextLimit = text
		}
	}
}

// New wraps backend.
func New(backend Backend, opts ...Option) *Tracker {
	t := &Tracker{
		backend:        backend,
		now:            func() time.Time { return time.Now().UTC() },
		errorListLimit: defaultErrorListLimit,
		errorTextLimit: defaultErrorTextLimit,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Backend exposes the underlying store for reporting queries.
func (t *Tracker) Backend() Backend { return t.backend }

// Statuses returns the table statuses of a job keyed by kind name.
func (t *Tracker) Statuses(ctx context.Context, jobID string) (map[string]models.TableStatus, error) {
	rows, err := t.backend.TableStatuses(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load table statuses for %s: %w", jobID, err)
	}
	out := make(map[string]models.TableStatus, len(rows))
	for _, r := range rows {
		out[r.Kind] = r
	}
	return out, nil
}

// Apply runs one transition for (job, kind) as a single transactional upsert.
func (t *Tracker) Apply(ctx context.Context, jobID, kind string, tr models.Transition) (models.TableStatus, error) {
	now := t.now()
	ts, err := t.backend.UpdateTableStatus(ctx, jobID, kind, func(ts *models.TableStatus) error {
		ts.JobID = jobID
		ts.Kind = kind
		return tr.Apply(ts, now)
	})
	if err != nil {
		return models.TableStatus{}, fmt.Errorf("%s %s for job %s: %w", tr, kind, jobID, err)
	}
	return ts, nil
}

// BeginRun creates the run status on first attempt, or stamps the restart
// time on re-entry. The verdict is reset until the attempt completes.
func (t *Tracker) BeginRun(ctx context.Context, jobID string) (models.RunStatus, error) {
	now := t.now()
	run, err := t.backend.UpdateRun(ctx, jobID, func(run *models.RunStatus, exists bool) error {
		run.JobID = jobID
		if exists {
			run.RunRestart = &now
		} else {
			run.RunStart = now
		}
		run.RunEnd = nil
		run.Verdict = models.VerdictUnset
		run.Attempts++
		return nil
	})
	if err != nil {
		return models.RunStatus{}, fmt.Errorf("begin run for %s: %w", jobID, err)
	}
	return run, nil
}

// FinishRun stamps the end time and persists the verdict.
func (t *Tracker) FinishRun(ctx context.Context, jobID string, v models.Verdict) (models.RunStatus, error) {
	now := t.now()
	run, err := t.backend.UpdateRun(ctx, jobID, func(run *models.RunStatus, exists bool) error {
		if !exists {
			return fmt.Errorf("run for %s was never started: %w", jobID, ErrNotFound)
		}
		run.RunEnd = &now
		run.Verdict = v
		return nil
	})
	if err != nil {
		return models.RunStatus{}, fmt.Errorf("finish run for %s: %w", jobID, err)
	}
	return run, nil
}

// FormatFailures serializes the first failures with a truncation note, bounded
// to the configured text length.
func (t *Tracker) FormatFailures(failures []models.Failure) string {
	return FormatFailures(failures, t.errorListLimit, t.errorTextLimit)
}

// Truncate bounds free-form error text to the configured length.
func (t *Tracker) Truncate(s string) string {
	return truncate(s, t.errorTextLimit)
}

// FormatFailures is the configuration-free form of Tracker.FormatFailures.
func FormatFailures(failures []models.Failure, listLimit, textLimit int) string {
	if len(failures) == 0 {
		return ""
	}
	shown := failures
	if listLimit > 0 && len(shown) > listLimit {
		shown = shown[:listLimit]
	}
	lines := make([]string, 0, len(shown)+1)
	for _, f := range shown {
		lines = append(lines, f.String())
	}
	if extra := len(failures) - len(shown); extra > 0 {
		lines = append(lines, fmt.Sprintf("... %d more failures truncated", extra))
	}
	return truncate(strings.Join(lines, "\n"), textLimit)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const marker = "...(truncated)"
	if limit <= len(marker) {
		return s[:limit]
	}
	cut := limit - len(marker)
	// Back off to a rune boundary.
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
