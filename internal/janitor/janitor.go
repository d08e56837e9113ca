// Package janitor prunes aged history on a cron schedule: terminal
// recording jobs past the job-history retention window and fleet metrics
// snapshots past the metrics window. Active jobs and registry state are
// never touched.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/repository"
)

// Janitor runs retention pruning on the configured cron schedule.
type Janitor struct {
	jobRepo     repository.JobRepository
	metricsRepo repository.MetricsRepository
	cfg         config.RetentionConfig
	logger      *slog.Logger

	cron   *cron.Cron
	parser cron.Parser
}

// New creates a janitor. Either repository may be nil, in which case its
// side of the pruning is skipped.
func New(jobRepo repository.JobRepository, metricsRepo repository.MetricsRepository, cfg config.RetentionConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		jobRepo:     jobRepo,
		metricsRepo: metricsRepo,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "janitor")),
		parser:      cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start schedules the pruning job. Disabled retention is not an error.
func (j *Janitor) Start(ctx context.Context) error {
	if !j.cfg.Enabled {
		j.logger.Info("retention pruning disabled")
		return nil
	}

	if _, err := j.parser.Parse(j.cfg.Cron); err != nil {
		return fmt.Errorf("invalid retention cron %q: %w", j.cfg.Cron, err)
	}

	j.cron = cron.New(cron.WithParser(j.parser))
	_, err := j.cron.AddFunc(j.cfg.Cron, func() {
		j.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling retention pruning: %w", err)
	}
	j.cron.Start()

	j.logger.Info("retention pruning scheduled",
		slog.String("cron", j.cfg.Cron),
		slog.String("job_history", j.cfg.JobHistory.String()),
		slog.String("metrics", j.cfg.Metrics.String()),
	)
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// RunOnce performs one pruning pass against both retention windows.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now()

	if j.jobRepo != nil && j.cfg.JobHistory.Duration() > 0 {
		cutoff := now.Add(-j.cfg.JobHistory.Duration())
		pruned, err := j.jobRepo.PruneBefore(ctx, cutoff)
		if err != nil {
			j.logger.Error("pruning job history", slog.String("error", err.Error()))
		} else if pruned > 0 {
			j.logger.Info("pruned job history",
				slog.Int64("rows", pruned),
				slog.Time("cutoff", cutoff),
			)
		}
	}

	if j.metricsRepo != nil && j.cfg.Metrics.Duration() > 0 {
		cutoff := now.Add(-j.cfg.Metrics.Duration())
		pruned, err := j.metricsRepo.PruneBefore(ctx, cutoff)
		if err != nil {
			j.logger.Error("pruning metrics history", slog.String("error", err.Error()))
		} else if pruned > 0 {
			j.logger.Info("pruned metrics history",
				slog.Int64("rows", pruned),
				slog.Time("cutoff", cutoff),
			)
		}
	}
}
