// Package handlers provides the REST API handlers for corral: fleet
// registration and heartbeats, recording lifecycle, scaling advisories,
// health, and the websocket push channel.
package handlers

import (
	"github.com/corralhq/corral/internal/models"
)

// Envelope is the uniform success wrapper: {"success": true, "data": ...}.
// Failures take the error path and render {"success": false, "error": ...}.
type Envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func wrap[T any](data T) Envelope[T] {
	return Envelope[T]{Success: true, Data: data}
}

// FleetSnapshot is the full fleet view.
type FleetSnapshot struct {
	RoomServers []*models.RoomServer   `json:"room_servers"`
	Recorders   []*models.RecorderNode `json:"recorders"`
}

// RegionCapacity is the per-region slice of the capacity view.
type RegionCapacity struct {
	RoomServers      int     `json:"room_servers"`
	RecorderNodes    int     `json:"recorder_nodes"`
	ActiveRecordings int     `json:"active_recordings"`
	Capacity         int     `json:"capacity"`
	Load             int     `json:"load"`
	AvgLoad          float64 `json:"avg_load"`
}

// CapacityView is the fleet capacity roll-up served by the fleet API.
type CapacityView struct {
	TotalCapacity      int                       `json:"total_capacity"`
	TotalLoad          int                       `json:"total_load"`
	UtilizationPercent float64                   `json:"utilization_percent"`
	HealthyRecorders   int                       `json:"healthy_recorders"`
	QueuedRecordings   int                       `json:"queued_recordings"`
	Regional           map[string]RegionCapacity `json:"regional"`
}

// JobPage is one page of recording job history.
type JobPage struct {
	Jobs   []*models.RecordingJob `json:"jobs"`
	Total  int64                  `json:"total"`
	Offset int                    `json:"offset"`
	Limit  int                    `json:"limit"`
}
