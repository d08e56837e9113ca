package models

import "time"

// RegionalStats is the per-region roll-up inside a metrics snapshot.
type RegionalStats struct {
	RoomServers      int     `json:"room_servers"`
	RecorderNodes    int     `json:"recorder_nodes"`
	ActiveRecordings int     `json:"active_recordings"`
	Capacity         int     `json:"capacity"`
	Load             int     `json:"load"`
	AvgLoad          float64 `json:"avg_load"`
}

// MetricsSnapshot is an immutable point-in-time view of the fleet produced
// by the metrics aggregator. Regional is keyed by region tag.
type MetricsSnapshot struct {
	BaseModel

	Timestamp        time.Time                `gorm:"index" json:"timestamp"`
	RoomServers      int                      `json:"room_servers"`
	RecorderNodes    int                      `json:"recorder_nodes"`
	HealthyRecorders int                      `json:"healthy_recorders"`
	ActiveRecordings int                      `json:"active_recordings"`
	QueuedRecordings int                      `json:"queued_recordings"`
	TotalCapacity    int                      `json:"total_capacity"`
	TotalLoad        int                      `json:"total_load"`
	Regional         map[string]RegionalStats `gorm:"type:text;serializer:json" json:"regional"`
}

// TableName returns the table name for MetricsSnapshot.
func (MetricsSnapshot) TableName() string {
	return "system_metrics"
}

// UtilizationPercent returns overall capacity utilization 0-100.
func (m *MetricsSnapshot) UtilizationPercent() float64 {
	if m.TotalCapacity <= 0 {
		return 0
	}
	return float64(m.TotalLoad) / float64(m.TotalCapacity) * 100
}
