package janitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/database"
	"github.com/corralhq/corral/internal/models"
	"github.com/corralhq/corral/internal/repository"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedJob(t *testing.T, repo repository.JobRepository, id string, status models.JobStatus, endedAgo time.Duration) {
	t.Helper()
	job := &models.RecordingJob{
		JobID:        id,
		RoomServerID: "rs-1",
		RoomID:       "room-1",
		Status:       status,
		StartTime:    time.Now().Add(-endedAgo - time.Hour),
	}
	if status.IsTerminal() {
		end := time.Now().Add(-endedAgo)
		job.EndTime = &end
	}
	require.NoError(t, repo.Upsert(context.Background(), job))
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	jobRepo := repository.NewJobRepository(db.DB)
	metricsRepo := repository.NewMetricsRepository(db.DB)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seedJob(t, jobRepo, "rec-1-old00001", models.JobStatusCompleted, 60*24*time.Hour)
	seedJob(t, jobRepo, "rec-2-new00001", models.JobStatusFailed, time.Hour)
	seedJob(t, jobRepo, "rec-3-live0001", models.JobStatusRecording, 0)

	require.NoError(t, metricsRepo.Append(ctx, &models.MetricsSnapshot{
		Timestamp: time.Now().Add(-30 * 24 * time.Hour),
	}))
	require.NoError(t, metricsRepo.Append(ctx, &models.MetricsSnapshot{
		Timestamp: time.Now(),
	}))

	j := New(jobRepo, metricsRepo, config.RetentionConfig{
		Enabled:    true,
		Cron:       "0 0 3 * * *",
		JobHistory: config.Duration(30 * 24 * time.Hour),
		Metrics:    config.Duration(7 * 24 * time.Hour),
	}, logger)
	j.RunOnce(ctx)

	gone, err := jobRepo.GetByID(ctx, "rec-1-old00001")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := jobRepo.GetByID(ctx, "rec-2-new00001")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	live, err := jobRepo.GetByID(ctx, "rec-3-live0001")
	require.NoError(t, err)
	assert.NotNil(t, live)

	snaps, err := metricsRepo.QueryRange(ctx, time.Now().Add(-365*24*time.Hour), time.Now())
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestRetentionWindows(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("zero_window_skips_pruning", func(t *testing.T) {
		db := setupTestDB(t)
		jobRepo := repository.NewJobRepository(db.DB)

		seedJob(t, jobRepo, "rec-4-old00002", models.JobStatusCompleted, 400*24*time.Hour)

		j := New(jobRepo, nil, config.RetentionConfig{Enabled: true, Cron: "0 0 3 * * *"}, logger)
		j.RunOnce(ctx)

		kept, err := jobRepo.GetByID(ctx, "rec-4-old00002")
		require.NoError(t, err)
		assert.NotNil(t, kept)
	})

	t.Run("nil_repos_are_skipped", func(t *testing.T) {
		j := New(nil, nil, config.RetentionConfig{
			Enabled:    true,
			Cron:       "0 0 3 * * *",
			JobHistory: config.Duration(time.Hour),
			Metrics:    config.Duration(time.Hour),
		}, logger)
		j.RunOnce(ctx) // must not panic
	})
}

func TestStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("disabled_is_a_noop", func(t *testing.T) {
		j := New(nil, nil, config.RetentionConfig{Enabled: false}, logger)
		require.NoError(t, j.Start(context.Background()))
		j.Stop()
	})

	t.Run("invalid_cron_rejected", func(t *testing.T) {
		j := New(nil, nil, config.RetentionConfig{Enabled: true, Cron: "not a schedule"}, logger)
		assert.Error(t, j.Start(context.Background()))
	})

	t.Run("valid_schedule_starts_and_stops", func(t *testing.T) {
		j := New(nil, nil, config.RetentionConfig{
			Enabled: true,
			Cron:    "0 0 3 * * *",
		}, logger)
		require.NoError(t, j.Start(context.Background()))
		j.Stop()
	})
}
