package tracker_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/store/embedded"
	"pipeline-patcher/internal/tracker"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T, opts ...tracker.Option) (*tracker.Tracker, models.Job, *clock) {
	t.Helper()
	backend, err := embedded.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	job := models.NewJob(models.EntityKey{Subject: "s1", SessionStart: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}, time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC), models.Snapshot{})
	_, _, err = backend.RegisterJob(context.Background(), job)
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)}
	return tracker.New(backend, append([]tracker.Option{tracker.WithClock(c.now)}, opts...)...), job, c
}

func TestApplyWalksLifecycle(t *testing.T) {
	tr, job, c := setup(t)
	ctx := context.Background()

	ts, err := tr.Apply(ctx, job.ID, "spikes", models.BeginDelete(true))
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingDelete, ts.State)
	assert.True(t, ts.OriginallyPresent)

	c.advance(time.Minute)
	ts, err = tr.Apply(ctx, job.ID, "spikes", models.MarkDeleted())
	require.NoError(t, err)
	require.NotNil(t, ts.DeleteTime)
	assert.Equal(t, c.t, *ts.DeleteTime)

	_, err = tr.Apply(ctx, job.ID, "spikes", models.BeginPopulate())
	require.NoError(t, err)
	ts, err = tr.Apply(ctx, job.ID, "spikes", models.FinishPopulate(models.OutcomePartial, "u1: boom"))
	require.NoError(t, err)
	assert.Equal(t, models.StatePartial, ts.State)
	assert.Equal(t, "u1: boom", ts.ErrorText)

	st, err := tr.Statuses(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ts, st["spikes"])
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	tr, job, _ := setup(t)
	_, err := tr.Apply(context.Background(), job.ID, "spikes", models.BeginPopulate())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIllegalTransition))

	st, err := tr.Statuses(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestApplyUnknownJob(t *testing.T) {
	tr, _, _ := setup(t)
	_, err := tr.Apply(context.Background(), "missing", "spikes", models.BeginDelete(false))
	assert.True(t, errors.Is(err, tracker.ErrNotFound))
}

func TestBeginRunStampsRestartOnReentry(t *testing.T) {
	tr, job, c := setup(t)
	ctx := context.Background()

	run, err := tr.BeginRun(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, c.t, run.RunStart)
	assert.Nil(t, run.RunRestart)
	assert.Equal(t, 1, run.Attempts)

	run, err = tr.FinishRun(ctx, job.ID, models.VerdictError)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictError, run.Verdict)
	require.NotNil(t, run.RunEnd)

	start := c.t
	c.advance(time.Hour)
	run, err = tr.BeginRun(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, start, run.RunStart)
	require.NotNil(t, run.RunRestart)
	assert.Equal(t, c.t, *run.RunRestart)
	assert.Nil(t, run.RunEnd)
	assert.Equal(t, models.VerdictUnset, run.Verdict)
	assert.Equal(t, 2, run.Attempts)
}

func TestFinishRunRequiresStartedRun(t *testing.T) {
	tr, job, _ := setup(t)
	_, err := tr.FinishRun(context.Background(), job.ID, models.VerdictSuccess)
	assert.True(t, errors.Is(err, tracker.ErrNotFound))
}

func TestFormatFailuresTruncatesList(t *testing.T) {
	var failures []models.Failure
	for i := 0; i < 13; i++ {
		failures = append(failures, models.Failure{SubUnit: string(rune('a' + i)), Message: "x"})
	}
	out := tracker.FormatFailures(failures, 10, 4000)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 11)
	assert.Equal(t, "a: x", lines[0])
	assert.Equal(t, "... 3 more failures truncated", lines[10])

	assert.Empty(t, tracker.FormatFailures(nil, 10, 4000))
}

func TestFormatFailuresBoundsText(t *testing.T) {
	failures := []models.Failure{{SubUnit: "u", Message: strings.Repeat("é", 100)}}
	out := tracker.FormatFailures(failures, 10, 50)
	assert.LessOrEqual(t, len(out), 50)
	assert.True(t, strings.HasSuffix(out, "...(truncated)"))
	assert.True(t, strings.ToValidUTF8(out, "?") == out)
}

func TestWithErrorLimits(t *testing.T) {
	tr, _, _ := setup(t, tracker.WithErrorLimits(2, 0))
	out := tr.FormatFailures([]models.Failure{{SubUnit: "a", Message: "1"}, {SubUnit: "b", Message: "2"}, {SubUnit: "c", Message: "3"}})
	assert.Equal(t, "a: 1\nb: 2\n... 1 more failures truncated", out)
}

func TestJobFilterMatches(t *testing.T) {
	created := time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)
	never := models.JobSummary{Job: models.Job{CreatedAt: created}}
	failed := models.JobSummary{Job: models.Job{CreatedAt: created}, Run: &models.RunStatus{Verdict: models.VerdictError}}

	assert.True(t, tracker.JobFilter{}.Matches(never))
	assert.True(t, tracker.JobFilter{Verdicts: []models.Verdict{models.VerdictUnset}}.Matches(never))
	assert.False(t, tracker.JobFilter{Verdicts: []models.Verdict{models.VerdictUnset}}.Matches(failed))
	assert.True(t, tracker.JobFilter{Verdicts: models.LevelError.Verdicts()}.Matches(failed))
	assert.False(t, tracker.JobFilter{Since: created.Add(time.Hour)}.Matches(failed))
}
