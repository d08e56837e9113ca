package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveRecorderCapacity(t *testing.T) {
	gib := uint64(1 << 30)

	tests := []struct {
		name       string
		specs      HardwareSpecs
		maxPerNode int
		want       int
	}{
		{
			name:  "four_cores_no_gpu",
			specs: HardwareSpecs{Cores: 4, MemoryBytes: 8 * gib},
			want:  6, // min(4*1.5, 16, 12)
		},
		{
			name:  "gpu_doubles_core_budget",
			specs: HardwareSpecs{Cores: 4, MemoryBytes: 32 * gib, HasGPU: true},
			want:  12, // min(12, 65, 12)
		},
		{
			name:  "memory_bound",
			specs: HardwareSpecs{Cores: 8, MemoryBytes: 1 * gib},
			want:  2, // floor(1GiB / 500MiB)
		},
		{
			name:  "ceiling_applies",
			specs: HardwareSpecs{Cores: 32, MemoryBytes: 64 * gib, HasGPU: true},
			want:  12,
		},
		{
			name:       "config_cap_applies",
			specs:      HardwareSpecs{Cores: 8, MemoryBytes: 16 * gib},
			maxPerNode: 6,
			want:       6,
		},
		{
			name:  "starved_hardware_gets_zero",
			specs: HardwareSpecs{Cores: 0, MemoryBytes: 256 << 20},
			want:  0, // floor(256MiB / 500MiB) = 0: unplaceable
		},
		{
			name:  "memory_below_one_job_gets_zero",
			specs: HardwareSpecs{Cores: 4, MemoryBytes: 400 << 20},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveRecorderCapacity(tt.specs, tt.maxPerNode)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecorderNodeAvailability(t *testing.T) {
	n := &RecorderNode{ID: "recorder-a", IsHealthy: true, Capacity: 2, CurrentLoad: 1}

	t.Run("healthy_with_free_slot", func(t *testing.T) {
		assert.True(t, n.IsAvailable())
	})

	t.Run("full_recorder_is_unavailable", func(t *testing.T) {
		full := &RecorderNode{ID: "recorder-b", IsHealthy: true, Capacity: 2, CurrentLoad: 2}
		assert.False(t, full.IsAvailable())
	})

	t.Run("unhealthy_recorder_is_unavailable", func(t *testing.T) {
		sick := &RecorderNode{ID: "recorder-c", IsHealthy: false, Capacity: 2}
		assert.False(t, sick.IsAvailable())
	})
}

func TestRecorderNodeSupportsCodecs(t *testing.T) {
	n := &RecorderNode{SupportedCodecs: []string{"opus", "vp8", "h264"}}

	assert.True(t, n.SupportsCodecs(nil))
	assert.True(t, n.SupportsCodecs([]string{"opus", "vp8"}))
	assert.False(t, n.SupportsCodecs([]string{"opus", "av1"}))
}

func TestRoomServerHostsRoom(t *testing.T) {
	s := &RoomServer{Rooms: []string{"room-1", "room-2"}}

	assert.True(t, s.HostsRoom("room-1"))
	assert.False(t, s.HostsRoom("room-9"))
}

func TestIDFormats(t *testing.T) {
	t.Run("job_id_prefix", func(t *testing.T) {
		id := NewJobID()
		assert.Regexp(t, `^rec-\d+-[0-9a-z]{8}$`, id)
	})

	t.Run("recorder_id_carries_region", func(t *testing.T) {
		id := NewRecorderID("eu-west-1")
		assert.Regexp(t, `^recorder-eu-west-1-\d+-[0-9a-z]{8}$`, id)
	})
}
