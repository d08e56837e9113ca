package models

import (
	"time"

	"gorm.io/gorm"
)

// recorderCapacityCeiling is the hard upper bound on derived recorder
// capacity regardless of hardware.
const recorderCapacityCeiling = 12

// recorderMemoryPerJob is the RAM budget assumed per concurrent recording
// when deriving recorder capacity (500 MiB).
const recorderMemoryPerJob = 500 * (1 << 20)

// HardwareSpecs describes the hardware of a fleet node as declared at
// registration.
type HardwareSpecs struct {
	Cores       int    `json:"cores"`
	MemoryBytes uint64 `json:"memory_bytes"`
	HasGPU      bool   `json:"has_gpu"`
	DiskBytes   uint64 `json:"disk_bytes"`
}

// RoomServer is a media-plane node producing RTP streams for conference
// participants. Its identifier is caller-supplied and stable across
// restarts. The in-memory registry is authoritative; the persisted row is
// for warm restart only.
type RoomServer struct {
	ID            string            `gorm:"primarykey;size:255" json:"id"`
	URL           string            `gorm:"not null;size:2048" json:"url"`
	Region        string            `gorm:"size:100;index" json:"region"`
	Rooms         []string          `gorm:"type:text;serializer:json" json:"rooms"`
	Capacity      int               `json:"capacity"`
	CurrentLoad   int               `json:"current_load"`
	IsHealthy     bool              `gorm:"index" json:"is_healthy"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Specs         HardwareSpecs     `gorm:"type:text;serializer:json" json:"specs"`
	Metadata      map[string]string `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TableName returns the table name for RoomServer.
func (RoomServer) TableName() string {
	return "room_servers"
}

// Validate performs basic validation on the room server.
func (s *RoomServer) Validate() error {
	if s.ID == "" {
		return ErrRoomServerIDRequired
	}
	if s.URL == "" {
		return ErrEndpointRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the room server.
func (s *RoomServer) BeforeCreate(tx *gorm.DB) error {
	return s.Validate()
}

// HostsRoom returns true if the server currently hosts the given room.
func (s *RoomServer) HostsRoom(roomID string) bool {
	for _, r := range s.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// LoadRatio returns current load as a fraction of capacity.
func (s *RoomServer) LoadRatio() float64 {
	if s.Capacity <= 0 {
		return 1.0
	}
	return float64(s.CurrentLoad) / float64(s.Capacity)
}

// RecorderNode is a media-plane node that consumes forwarded RTP,
// transcodes, and writes output files. Identifiers are generated by the
// orchestrator; capacity is derived from hardware, never caller-supplied.
type RecorderNode struct {
	ID              string            `gorm:"primarykey;size:255" json:"id"`
	URL             string            `gorm:"not null;size:2048" json:"url"`
	Region          string            `gorm:"size:100;index" json:"region"`
	SupportedCodecs []string          `gorm:"type:text;serializer:json" json:"supported_codecs"`
	ActiveJobs      []string          `gorm:"type:text;serializer:json" json:"active_jobs"`
	Capacity        int               `json:"capacity"`
	CurrentLoad     int               `json:"current_load"`
	IsHealthy       bool              `gorm:"index" json:"is_healthy"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
	Specs           HardwareSpecs     `gorm:"type:text;serializer:json" json:"specs"`
	Metadata        map[string]string `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableName returns the table name for RecorderNode.
func (RecorderNode) TableName() string {
	return "recorder_nodes"
}

// Validate performs basic validation on the recorder node.
func (n *RecorderNode) Validate() error {
	if n.URL == "" {
		return ErrEndpointRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the recorder node.
func (n *RecorderNode) BeforeCreate(tx *gorm.DB) error {
	return n.Validate()
}

// IsAvailable returns true if the recorder can accept another job.
func (n *RecorderNode) IsAvailable() bool {
	return n.IsHealthy && n.CurrentLoad < n.Capacity
}

// LoadRatio returns current load as a fraction of capacity.
func (n *RecorderNode) LoadRatio() float64 {
	if n.Capacity <= 0 {
		return 1.0
	}
	return float64(n.CurrentLoad) / float64(n.Capacity)
}

// FreeCapacityRatio returns remaining slots as a fraction of capacity.
func (n *RecorderNode) FreeCapacityRatio() float64 {
	if n.Capacity <= 0 {
		return 0
	}
	return float64(n.Capacity-n.CurrentLoad) / float64(n.Capacity)
}

// SupportsCodecs returns true if the recorder's supported-codec set covers
// every requested codec. An empty request always matches.
func (n *RecorderNode) SupportsCodecs(codecs []string) bool {
	if len(codecs) == 0 {
		return true
	}
	supported := make(map[string]struct{}, len(n.SupportedCodecs))
	for _, c := range n.SupportedCodecs {
		supported[c] = struct{}{}
	}
	for _, c := range codecs {
		if _, ok := supported[c]; !ok {
			return false
		}
	}
	return true
}

// HasActiveJob returns true if the job id is in the recorder's active list.
func (n *RecorderNode) HasActiveJob(jobID string) bool {
	for _, id := range n.ActiveJobs {
		if id == jobID {
			return true
		}
	}
	return false
}

// DeriveRecorderCapacity computes the concurrent-job capacity of a recorder
// from its hardware: min(cores x 1.5 (doubled with a GPU),
// memory / 500 MiB, 12), further capped by the configured per-node maximum
// when maxPerNode is positive. Hardware that cannot sustain a single job
// derives capacity zero; such a node registers but never receives
// placements.
func DeriveRecorderCapacity(specs HardwareSpecs, maxPerNode int) int {
	byCores := float64(specs.Cores) * 1.5
	if specs.HasGPU {
		byCores *= 2
	}

	byMemory := int(specs.MemoryBytes / recorderMemoryPerJob)

	capacity := int(byCores)
	if byMemory < capacity {
		capacity = byMemory
	}
	if capacity > recorderCapacityCeiling {
		capacity = recorderCapacityCeiling
	}
	if maxPerNode > 0 && capacity > maxPerNode {
		capacity = maxPerNode
	}
	if capacity < 0 {
		capacity = 0
	}
	return capacity
}
