package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/events"
	"github.com/corralhq/corral/internal/fleet"
	"github.com/corralhq/corral/internal/jobs"
	"github.com/corralhq/corral/internal/models"
)

func testScalingConfig() config.AutoScalingConfig {
	return config.AutoScalingConfig{
		MinNodes:              1,
		MaxNodes:              10,
		ScaleUpThreshold:      80,
		ScaleDownThreshold:    30,
		QueueScaleUpThreshold: 2,
	}
}

type aggHarness struct {
	registry   *fleet.Registry
	store      *jobs.Store
	bus        *events.Bus
	aggregator *Aggregator
	seq        int
}

func newAggHarness(t *testing.T, cfg config.AutoScalingConfig) *aggHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &aggHarness{
		registry: fleet.NewRegistry(0, nil, nil, logger),
		store:    jobs.NewStore(nil, logger),
		bus:      events.NewBus(logger),
	}
	h.aggregator = NewAggregator(h.registry, h.store, h.bus, nil, nil, cfg, 15*time.Second, logger)
	return h
}

func (h *aggHarness) seedRecorder(region string, capacity, load int, healthy bool) {
	h.seq++
	h.registry.Seed(nil, []*models.RecorderNode{{
		ID:            fmt.Sprintf("%s-rec-%03d", region, h.seq),
		URL:           "http://recorder:9090",
		Region:        region,
		Capacity:      capacity,
		CurrentLoad:   load,
		IsHealthy:     healthy,
		LastHeartbeat: time.Now(),
		ActiveJobs:    []string{},
	}})
}

func (h *aggHarness) seedRoomServer(region string) {
	h.seq++
	h.registry.Seed([]*models.RoomServer{{
		ID:            fmt.Sprintf("%s-rs-%03d", region, h.seq),
		URL:           "http://roomserver:8080",
		Region:        region,
		IsHealthy:     true,
		LastHeartbeat: time.Now(),
	}}, nil)
}

func (h *aggHarness) enqueueJobs(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		job, err := h.store.Create(context.Background(), jobs.CreateRequest{
			RoomServerID: "rs-1",
			RoomID:       "room-1",
			PeerID:       fmt.Sprintf("peer-%d", i),
		})
		require.NoError(t, err)
		require.True(t, h.store.Enqueue(job.JobID))
	}
}

func TestAggregatorSnapshot(t *testing.T) {
	h := newAggHarness(t, testScalingConfig())
	h.seedRoomServer("us-east")
	h.seedRoomServer("eu-west")
	h.seedRecorder("us-east", 6, 3, true)
	h.seedRecorder("us-east", 6, 0, true)
	h.seedRecorder("eu-west", 4, 4, true)
	h.seedRecorder("eu-west", 4, 0, false) // unhealthy: counted, not summed
	h.enqueueJobs(t, 2)

	snap := h.aggregator.Snapshot()

	assert.Equal(t, 2, snap.RoomServers)
	assert.Equal(t, 4, snap.RecorderNodes)
	assert.Equal(t, 3, snap.HealthyRecorders)
	assert.Equal(t, 16, snap.TotalCapacity)
	assert.Equal(t, 7, snap.TotalLoad)
	assert.Equal(t, 2, snap.QueuedRecordings)
	assert.Equal(t, 0, snap.ActiveRecordings)
	assert.InDelta(t, 43.75, snap.UtilizationPercent(), 0.01)

	east := snap.Regional["us-east"]
	assert.Equal(t, 1, east.RoomServers)
	assert.Equal(t, 2, east.RecorderNodes)
	assert.Equal(t, 12, east.Capacity)
	assert.Equal(t, 3, east.Load)
	assert.InDelta(t, 25.0, east.AvgLoad, 0.01)

	west := snap.Regional["eu-west"]
	assert.Equal(t, 2, west.RecorderNodes)
	assert.Equal(t, 4, west.Capacity)
	assert.InDelta(t, 100.0, west.AvgLoad, 0.01)
}

func TestRecommendations(t *testing.T) {
	t.Run("critical_overload_asks_for_two_nodes", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 10, true)
		h.seedRecorder("us-east", 10, 9, true)

		recs := h.aggregator.Recommendations()
		require.Len(t, recs, 1)
		assert.Equal(t, "us-east", recs[0].Region)
		assert.Equal(t, ActionScaleUp, recs[0].Action)
		assert.Equal(t, PriorityCritical, recs[0].Priority)
		assert.Equal(t, 2, recs[0].Delta)
	})

	t.Run("moderate_overload_asks_for_one", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 100, 82, true)

		recs := h.aggregator.Recommendations()
		require.Len(t, recs, 1)
		assert.Equal(t, PriorityMedium, recs[0].Priority)
		assert.Equal(t, 1, recs[0].Delta)
	})

	t.Run("max_nodes_bounds_delta", func(t *testing.T) {
		cfg := testScalingConfig()
		cfg.MaxNodes = 2
		h := newAggHarness(t, cfg)
		h.seedRecorder("us-east", 10, 10, true)
		h.seedRecorder("us-east", 10, 10, true)

		assert.Empty(t, h.aggregator.Recommendations())
	})

	t.Run("idle_region_scales_down_to_min", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("eu-west", 10, 1, true)
		h.seedRecorder("eu-west", 10, 0, true)

		recs := h.aggregator.Recommendations()
		require.Len(t, recs, 1)
		assert.Equal(t, ActionScaleDown, recs[0].Action)
		assert.Equal(t, PriorityLow, recs[0].Priority)
		assert.Equal(t, -1, recs[0].Delta)
	})

	t.Run("min_nodes_blocks_scale_down", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("eu-west", 10, 0, true)

		assert.Empty(t, h.aggregator.Recommendations())
	})

	t.Run("queue_pressure_is_a_global_advisory", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 5, true)
		h.enqueueJobs(t, 3)

		recs := h.aggregator.Recommendations()
		require.Len(t, recs, 1)
		assert.Empty(t, recs[0].Region)
		assert.Equal(t, ActionScaleUp, recs[0].Action)
		assert.Equal(t, PriorityHigh, recs[0].Priority)
	})

	t.Run("cooldown_suppresses_repeat_advisories", func(t *testing.T) {
		cfg := testScalingConfig()
		cfg.CooldownPeriod = time.Minute
		h := newAggHarness(t, cfg)
		h.seedRecorder("us-east", 10, 9, true)

		require.Len(t, h.aggregator.Recommendations(), 1)
		assert.Empty(t, h.aggregator.Recommendations())
	})

	t.Run("healthy_fleet_has_no_advisories", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 5, true)
		h.seedRecorder("us-east", 10, 4, true)

		assert.Empty(t, h.aggregator.Recommendations())
	})
}

func TestAlertStatus(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 3, true)
		assert.Equal(t, AlertHealthy, h.aggregator.AlertStatus())
	})

	t.Run("caution_on_any_unhealthy_node", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 1, true)
		h.seedRecorder("us-east", 10, 1, true)
		h.seedRecorder("us-east", 10, 0, false)
		assert.Equal(t, AlertCaution, h.aggregator.AlertStatus())
	})

	t.Run("warning_on_high_utilization", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 8, true)
		assert.Equal(t, AlertWarning, h.aggregator.AlertStatus())
	})

	t.Run("warning_on_queue_backlog", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 1, true)
		h.enqueueJobs(t, 11)
		assert.Equal(t, AlertWarning, h.aggregator.AlertStatus())
	})

	t.Run("critical_on_saturation", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 10, true)
		assert.Equal(t, AlertCritical, h.aggregator.AlertStatus())
	})

	t.Run("critical_on_majority_unhealthy", func(t *testing.T) {
		h := newAggHarness(t, testScalingConfig())
		h.seedRecorder("us-east", 10, 1, true)
		h.seedRecorder("us-east", 10, 0, false)
		h.seedRecorder("us-east", 10, 0, false)
		assert.Equal(t, AlertCritical, h.aggregator.AlertStatus())
	})
}

func TestAggregatorTick(t *testing.T) {
	h := newAggHarness(t, testScalingConfig())
	h.seedRoomServer("us-east")
	h.seedRecorder("us-east", 10, 10, true)

	metricsSub := h.bus.Subscribe(events.ClassMetrics, 4)
	defer metricsSub.Close()
	scalingSub := h.bus.Subscribe(events.ClassScaling, 8)
	defer scalingSub.Close()

	h.aggregator.Tick(context.Background())

	select {
	case ev := <-metricsSub.C:
		snap, ok := ev.Payload.(*models.MetricsSnapshot)
		require.True(t, ok)
		assert.Equal(t, 10, snap.TotalLoad)
	case <-time.After(time.Second):
		t.Fatal("no metrics snapshot published")
	}

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-scalingSub.C:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("expected scaling events, got %v", types)
		}
	}
	assert.Contains(t, types, EventScaleUpRecommended)
	assert.Contains(t, types, EventAlertStatusChanged)

	// Latest now serves the ticked snapshot without recomputing.
	assert.Equal(t, 10, h.aggregator.Latest().TotalLoad)
}
