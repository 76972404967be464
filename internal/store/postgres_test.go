package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/tracker"
)

// startPostgres runs a throwaway Postgres and returns a migrated store.
func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "patcher",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/patcher?sslmode=disable", host, port.Port())
	st, err := New(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func TestPostgresBackendContract(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, st.SyncKinds(ctx, []models.ArtifactKind{
		{Name: "raw", Rank: 0, Category: models.CategoryVirtual, Label: models.LabelVirtual},
		{Name: "spikes", Rank: 1, Category: models.CategoryEntity, Label: models.LabelComputed},
	}))
	require.NoError(t, st.SyncKinds(ctx, []models.ArtifactKind{
		{Name: "spikes", Rank: 2, Category: models.CategoryDate, Label: models.LabelComputed},
	}))
	kinds, err := st.ListKinds(ctx)
	require.NoError(t, err)
	require.Len(t, kinds, 2)
	assert.Equal(t, 2, kinds[1].Rank)
	assert.Equal(t, models.CategoryEntity, kinds[1].Category)

	job := models.NewJob(models.EntityKey{Subject: "s1", SessionStart: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), models.Snapshot{Lab: "cortex"})
	stored, created, err := st.RegisterJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = st.RegisterJob(ctx, job)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "cortex", stored.Snapshot.Lab)

	_, err = st.GetJob(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, tracker.ErrNotFound))

	tr := tracker.New(st)
	_, err = tr.BeginRun(ctx, job.ID)
	require.NoError(t, err)
	_, err = tr.Apply(ctx, job.ID, "spikes", models.BeginDelete(true))
	require.NoError(t, err)
	_, err = tr.Apply(ctx, job.ID, "spikes", models.MarkDeleted())
	require.NoError(t, err)
	_, err = tr.Apply(ctx, job.ID, "spikes", models.FinishPopulate(models.OutcomeSuccess, ""))
	assert.True(t, errors.Is(err, models.ErrIllegalTransition))

	statuses, err := tr.Statuses(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeleted, statuses["spikes"].State)
	assert.True(t, statuses["spikes"].OriginallyPresent)

	_, err = tr.FinishRun(ctx, job.ID, models.VerdictPartial)
	require.NoError(t, err)
	jobs, err := st.ListJobs(ctx, tracker.JobFilter{Verdicts: models.LevelPartial.Verdicts()})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.VerdictPartial, jobs[0].Verdict())

	jobs, err = st.ListJobs(ctx, tracker.JobFilter{Verdicts: []models.Verdict{models.VerdictUnset}})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunMigrationsAppliesOnce(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, st.RunMigrations(ctx))

	var n int
	require.NoError(t, st.pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations WHERE version = '001_patch_tracking'`).Scan(&n))
	assert.Equal(t, 1, n)
}
