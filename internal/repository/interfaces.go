// Package repository provides data access layers for corral entities.
// The in-memory registries are authoritative for live state; repositories
// exist for warm restart and history, so callers treat write failures as
// log-and-proceed.
package repository

import (
	"context"
	"time"

	"github.com/corralhq/corral/internal/models"
)

// RoomServerRepository persists room server snapshots.
type RoomServerRepository interface {
	// Upsert inserts or replaces a room server row.
	Upsert(ctx context.Context, server *models.RoomServer) error
	// GetByID retrieves a room server, or (nil, nil) when absent.
	GetByID(ctx context.Context, id string) (*models.RoomServer, error)
	// LoadHealthy returns all servers whose persisted health flag is set.
	LoadHealthy(ctx context.Context) ([]*models.RoomServer, error)
	// Delete removes a room server row.
	Delete(ctx context.Context, id string) error
}

// RecorderNodeRepository persists recorder node snapshots.
type RecorderNodeRepository interface {
	Upsert(ctx context.Context, node *models.RecorderNode) error
	GetByID(ctx context.Context, id string) (*models.RecorderNode, error)
	LoadHealthy(ctx context.Context) ([]*models.RecorderNode, error)
	Delete(ctx context.Context, id string) error
}

// JobHistoryFilter narrows a job history query. Zero values match all.
type JobHistoryFilter struct {
	RoomServerID string
	RecorderID   string
	RoomID       string
	Status       models.JobStatus
	Since        *time.Time
	Until        *time.Time
	Offset       int
	Limit        int
}

// JobRepository persists recording job snapshots and serves history.
type JobRepository interface {
	// Upsert inserts or replaces a job row.
	Upsert(ctx context.Context, job *models.RecordingJob) error
	// GetByID retrieves a job, or (nil, nil) when absent.
	GetByID(ctx context.Context, id string) (*models.RecordingJob, error)
	// LoadActive returns all jobs in non-terminal statuses.
	LoadActive(ctx context.Context) ([]*models.RecordingJob, error)
	// QueryHistory returns matching jobs newest-first plus the total count.
	QueryHistory(ctx context.Context, filter JobHistoryFilter) ([]*models.RecordingJob, int64, error)
	// CountByStatus returns job counts grouped by status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	// PruneBefore deletes terminal jobs that ended before the cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricsRepository persists fleet metrics snapshots.
type MetricsRepository interface {
	// Append stores a new snapshot.
	Append(ctx context.Context, snapshot *models.MetricsSnapshot) error
	// QueryRange returns snapshots within [start, end], oldest first.
	QueryRange(ctx context.Context, start, end time.Time) ([]*models.MetricsSnapshot, error)
	// PruneBefore deletes snapshots older than the cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
