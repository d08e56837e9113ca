package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/corralhq/corral/internal/models"
)

// terminalStatuses lists the statuses a pruned job may be in.
var terminalStatuses = []models.JobStatus{
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCancelled,
}

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepo{db: db}
}

var _ JobRepository = (*jobRepo)(nil)

// Upsert inserts or replaces a job row.
func (r *jobRepo) Upsert(ctx context.Context, job *models.RecordingJob) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			UpdateAll: true,
		}).
		Create(job).Error
	if err != nil {
		return fmt.Errorf("upserting job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id string) (*models.RecordingJob, error) {
	var job models.RecordingJob
	if err := r.db.WithContext(ctx).Where("job_id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return &job, nil
}

// LoadActive returns all jobs in non-terminal statuses, oldest first.
func (r *jobRepo) LoadActive(ctx context.Context) ([]*models.RecordingJob, error) {
	var jobs []*models.RecordingJob
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses).
		Order("start_time ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("loading active jobs: %w", err)
	}
	return jobs, nil
}

// QueryHistory returns matching jobs newest-first plus the total count.
func (r *jobRepo) QueryHistory(ctx context.Context, filter JobHistoryFilter) ([]*models.RecordingJob, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.RecordingJob{})

	if filter.RoomServerID != "" {
		query = query.Where("room_server_id = ?", filter.RoomServerID)
	}
	if filter.RecorderID != "" {
		query = query.Where("recorder_id = ?", filter.RecorderID)
	}
	if filter.RoomID != "" {
		query = query.Where("room_id = ?", filter.RoomID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Since != nil {
		query = query.Where("start_time >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("start_time <= ?", *filter.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting job history: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var jobs []*models.RecordingJob
	err := query.
		Order("start_time DESC").
		Offset(filter.Offset).
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("querying job history: %w", err)
	}
	return jobs, total, nil
}

// CountByStatus returns job counts grouped by status.
func (r *jobRepo) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	type row struct {
		Status models.JobStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.RecordingJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting jobs by status: %w", err)
	}

	counts := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// PruneBefore deletes terminal jobs that ended before the cutoff.
func (r *jobRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND end_time < ?", terminalStatuses, cutoff).
		Delete(&models.RecordingJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
