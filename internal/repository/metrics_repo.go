package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/corralhq/corral/internal/models"
)

// metricsRepo implements MetricsRepository using GORM.
type metricsRepo struct {
	db *gorm.DB
}

// NewMetricsRepository creates a new MetricsRepository.
func NewMetricsRepository(db *gorm.DB) MetricsRepository {
	return &metricsRepo{db: db}
}

var _ MetricsRepository = (*metricsRepo)(nil)

// Append stores a new snapshot.
func (r *metricsRepo) Append(ctx context.Context, snapshot *models.MetricsSnapshot) error {
	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("appending metrics snapshot: %w", err)
	}
	return nil
}

// QueryRange returns snapshots within [start, end], oldest first.
func (r *metricsRepo) QueryRange(ctx context.Context, start, end time.Time) ([]*models.MetricsSnapshot, error) {
	var snapshots []*models.MetricsSnapshot
	err := r.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("timestamp ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("querying metrics range: %w", err)
	}
	return snapshots, nil
}

// PruneBefore deletes snapshots older than the cutoff.
func (r *metricsRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.MetricsSnapshot{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning metrics snapshots: %w", result.Error)
	}
	return result.RowsAffected, nil
}
