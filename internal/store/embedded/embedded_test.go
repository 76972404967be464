package embedded

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/tracker"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	st, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func job(subject string, created time.Time) models.Job {
	j := models.NewJob(models.EntityKey{Subject: subject, SessionStart: created.Add(-time.Hour)}, created, models.Snapshot{Lab: "cortex"})
	j.CreatedAt = created
	return j
}

func TestSyncKindsUpdatesRankOnly(t *testing.T) {
	st := openMemory(t)
	ctx := context.Background()

	require.NoError(t, st.SyncKinds(ctx, []models.ArtifactKind{
		{Name: "spikes", Rank: 1, Category: models.CategoryEntity, Label: models.LabelComputed},
		{Name: "raw", Rank: 0, Category: models.CategoryVirtual, Label: models.LabelVirtual},
	}))
	require.NoError(t, st.SyncKinds(ctx, []models.ArtifactKind{
		{Name: "spikes", Rank: 3, Category: models.CategoryDate, Label: models.LabelComputed},
	}))

	kinds, err := st.ListKinds(ctx)
	require.NoError(t, err)
	require.Len(t, kinds, 2)
	assert.Equal(t, "raw", kinds[0].Name)
	assert.Equal(t, "spikes", kinds[1].Name)
	assert.Equal(t, 3, kinds[1].Rank)
	assert.Equal(t, models.CategoryEntity, kinds[1].Category)
}

func TestRegisterJobIsIdempotent(t *testing.T) {
	st := openMemory(t)
	ctx := context.Background()
	j := job("s1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	stored, created, err := st.RegisterJob(ctx, j)
	require.NoError(t, err)
	assert.True(t, created)

	again := j
	again.Snapshot.Lab = "other"
	stored2, created, err := st.RegisterJob(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored, stored2)
	assert.Equal(t, "cortex", stored2.Snapshot.Lab)

	_, err = st.GetJob(ctx, "nope")
	assert.True(t, errors.Is(err, tracker.ErrNotFound))
}

func TestListJobsFiltersAndOrders(t *testing.T) {
	st := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	old := job("s1", base)
	mid := job("s2", base.Add(24*time.Hour))
	fresh := job("s3", base.Add(48*time.Hour))
	for _, j := range []models.Job{old, mid, fresh} {
		_, _, err := st.RegisterJob(ctx, j)
		require.NoError(t, err)
	}
	_, err := st.UpdateRun(ctx, mid.ID, func(run *models.RunStatus, exists bool) error {
		assert.False(t, exists)
		run.JobID = mid.ID
		run.Verdict = models.VerdictError
		return nil
	})
	require.NoError(t, err)

	all, err := st.ListJobs(ctx, tracker.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{fresh.ID, mid.ID, old.ID}, []string{all[0].Job.ID, all[1].Job.ID, all[2].Job.ID})
	require.NotNil(t, all[1].Run)

	unset, err := st.ListJobs(ctx, tracker.JobFilter{Verdicts: []models.Verdict{models.VerdictUnset}})
	require.NoError(t, err)
	assert.Len(t, unset, 2)

	recent, err := st.ListJobs(ctx, tracker.JobFilter{Since: base.Add(12 * time.Hour), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, fresh.ID, recent[0].Job.ID)
}

func TestUpdateTableStatusRollsBackOnError(t *testing.T) {
	st := openMemory(t)
	ctx := context.Background()
	j := job("s1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	_, _, err := st.RegisterJob(ctx, j)
	require.NoError(t, err)

	_, err = st.UpdateTableStatus(ctx, j.ID, "spikes", func(ts *models.TableStatus) error {
		ts.State = models.StatePendingDelete
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = st.UpdateTableStatus(ctx, j.ID, "spikes", func(ts *models.TableStatus) error {
		assert.Equal(t, models.StatePendingDelete, ts.State)
		ts.State = models.StateDeleted
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	rows, err := st.TableStatuses(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatePendingDelete, rows[0].State)
	assert.Equal(t, "spikes", rows[0].Kind)

	_, err = st.UpdateTableStatus(ctx, "missing", "spikes", func(*models.TableStatus) error { return nil })
	assert.True(t, errors.Is(err, tracker.ErrNotFound))
}

func TestOpenOnDiskPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	j := job("s1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	st, err := Open(dir, nil)
	require.NoError(t, err)
	_, _, err = st.RegisterJob(ctx, j)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(dir, nil)
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
}
