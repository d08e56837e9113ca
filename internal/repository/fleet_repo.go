package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/corralhq/corral/internal/models"
)

// roomServerRepo implements RoomServerRepository using GORM.
type roomServerRepo struct {
	db *gorm.DB
}

// NewRoomServerRepository creates a new RoomServerRepository.
func NewRoomServerRepository(db *gorm.DB) RoomServerRepository {
	return &roomServerRepo{db: db}
}

var _ RoomServerRepository = (*roomServerRepo)(nil)

// Upsert inserts or replaces a room server row.
func (r *roomServerRepo) Upsert(ctx context.Context, server *models.RoomServer) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(server).Error
	if err != nil {
		return fmt.Errorf("upserting room server: %w", err)
	}
	return nil
}

// GetByID retrieves a room server by ID.
func (r *roomServerRepo) GetByID(ctx context.Context, id string) (*models.RoomServer, error) {
	var server models.RoomServer
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&server).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting room server: %w", err)
	}
	return &server, nil
}

// LoadHealthy returns all persisted room servers with the health flag set.
func (r *roomServerRepo) LoadHealthy(ctx context.Context) ([]*models.RoomServer, error) {
	var servers []*models.RoomServer
	if err := r.db.WithContext(ctx).Where("is_healthy = ?", true).Order("id ASC").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("loading healthy room servers: %w", err)
	}
	return servers, nil
}

// Delete removes a room server row.
func (r *roomServerRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.RoomServer{}).Error; err != nil {
		return fmt.Errorf("deleting room server: %w", err)
	}
	return nil
}

// recorderNodeRepo implements RecorderNodeRepository using GORM.
type recorderNodeRepo struct {
	db *gorm.DB
}

// NewRecorderNodeRepository creates a new RecorderNodeRepository.
func NewRecorderNodeRepository(db *gorm.DB) RecorderNodeRepository {
	return &recorderNodeRepo{db: db}
}

var _ RecorderNodeRepository = (*recorderNodeRepo)(nil)

// Upsert inserts or replaces a recorder node row.
func (r *recorderNodeRepo) Upsert(ctx context.Context, node *models.RecorderNode) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(node).Error
	if err != nil {
		return fmt.Errorf("upserting recorder node: %w", err)
	}
	return nil
}

// GetByID retrieves a recorder node by ID.
func (r *recorderNodeRepo) GetByID(ctx context.Context, id string) (*models.RecorderNode, error) {
	var node models.RecorderNode
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting recorder node: %w", err)
	}
	return &node, nil
}

// LoadHealthy returns all persisted recorder nodes with the health flag set.
func (r *recorderNodeRepo) LoadHealthy(ctx context.Context) ([]*models.RecorderNode, error) {
	var nodes []*models.RecorderNode
	if err := r.db.WithContext(ctx).Where("is_healthy = ?", true).Order("id ASC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("loading healthy recorder nodes: %w", err)
	}
	return nodes, nil
}

// Delete removes a recorder node row.
func (r *recorderNodeRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.RecorderNode{}).Error; err != nil {
		return fmt.Errorf("deleting recorder node: %w", err)
	}
	return nil
}
