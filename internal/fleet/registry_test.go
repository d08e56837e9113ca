package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/internal/models"
)

func newTestRegistry() *Registry {
	return NewRegistry(6, nil, nil, nil)
}

func roomServerDecl(id, region string, rooms ...string) RoomServerDecl {
	return RoomServerDecl{
		ID:       id,
		URL:      "http://" + id + ":8080",
		Region:   region,
		Rooms:    rooms,
		Capacity: 100,
		Specs:    models.HardwareSpecs{Cores: 8, MemoryBytes: 16 << 30},
	}
}

func recorderDecl(region string) RecorderDecl {
	return RecorderDecl{
		URL:             "http://recorder.example.com:9090",
		Region:          region,
		SupportedCodecs: []string{"opus", "vp8"},
		Specs:           models.HardwareSpecs{Cores: 4, MemoryBytes: 16 << 30},
	}
}

func TestRegisterRoomServer(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	t.Run("registers_new", func(t *testing.T) {
		srv, err := reg.RegisterRoomServer(ctx, roomServerDecl("rs-1", "us-east", "room-a"))
		require.NoError(t, err)
		assert.True(t, srv.IsHealthy)
		assert.Equal(t, "us-east", srv.Region)
	})

	t.Run("reregistration_updates_in_place", func(t *testing.T) {
		decl := roomServerDecl("rs-1", "eu-west", "room-b")
		srv, err := reg.RegisterRoomServer(ctx, decl)
		require.NoError(t, err)
		assert.Equal(t, "eu-west", srv.Region)

		all := reg.SnapshotRoomServers()
		assert.Len(t, all, 1)
	})

	t.Run("reregistration_revives_health", func(t *testing.T) {
		reg.MarkUnhealthy(ctx, "rs-1")
		srv, err := reg.RegisterRoomServer(ctx, roomServerDecl("rs-1", "eu-west"))
		require.NoError(t, err)
		assert.True(t, srv.IsHealthy)
	})

	t.Run("rejects_missing_id", func(t *testing.T) {
		decl := roomServerDecl("", "us-east")
		_, err := reg.RegisterRoomServer(ctx, decl)
		assert.ErrorIs(t, err, models.ErrRoomServerIDRequired)
	})

	t.Run("rejects_missing_url", func(t *testing.T) {
		decl := roomServerDecl("rs-2", "us-east")
		decl.URL = ""
		_, err := reg.RegisterRoomServer(ctx, decl)
		assert.ErrorIs(t, err, models.ErrEndpointRequired)
	})
}

func TestRegisterRecorder(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	t.Run("generates_id_and_derives_capacity", func(t *testing.T) {
		node, err := reg.RegisterRecorder(ctx, recorderDecl("us-east"))
		require.NoError(t, err)
		assert.Regexp(t, `^recorder-us-east-\d+-[0-9a-z]{8}$`, node.ID)
		// 4 cores x 1.5 = 6, memory allows far more, ceiling 12, config cap 6.
		assert.Equal(t, 6, node.Capacity)
		assert.True(t, node.IsHealthy)
		assert.Empty(t, node.ActiveJobs)
	})

	t.Run("config_cap_applies", func(t *testing.T) {
		capped := NewRegistry(2, nil, nil, nil)
		node, err := capped.RegisterRecorder(ctx, recorderDecl("us-east"))
		require.NoError(t, err)
		assert.Equal(t, 2, node.Capacity)
	})
}

func TestHeartbeats(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	srv, err := reg.RegisterRoomServer(ctx, roomServerDecl("rs-1", "us-east", "room-a"))
	require.NoError(t, err)
	node, err := reg.RegisterRecorder(ctx, recorderDecl("us-east"))
	require.NoError(t, err)

	t.Run("refreshes_load_and_rooms", func(t *testing.T) {
		require.NoError(t, reg.RecordRoomServerHeartbeat(ctx, srv.ID, 7, []string{"room-c"}))

		got, ok := reg.GetRoomServer(srv.ID)
		require.True(t, ok)
		assert.Equal(t, 7, got.CurrentLoad)
		assert.Equal(t, []string{"room-c"}, got.Rooms)
	})

	t.Run("heartbeat_revives_unhealthy_node", func(t *testing.T) {
		reg.MarkUnhealthy(ctx, node.ID)
		require.NoError(t, reg.RecordRecorderHeartbeat(ctx, node.ID, 1, []string{"rec-1"}))

		got, ok := reg.GetRecorder(node.ID)
		require.True(t, ok)
		assert.True(t, got.IsHealthy)
		assert.Equal(t, 1, got.CurrentLoad)
		assert.Equal(t, []string{"rec-1"}, got.ActiveJobs)
	})

	t.Run("overload_report_is_retained", func(t *testing.T) {
		active := []string{"rec-1", "rec-2", "rec-3", "rec-4", "rec-5", "rec-6", "rec-7", "rec-8"}
		require.NoError(t, reg.RecordRecorderHeartbeat(ctx, node.ID, 8, active))

		// Capacity is 6; the recorder's own figure wins and the node just
		// stops being placeable until the load falls back under capacity.
		got, _ := reg.GetRecorder(node.ID)
		assert.Equal(t, 8, got.CurrentLoad)
		assert.Len(t, got.ActiveJobs, 8)
		assert.False(t, got.IsAvailable())

		// A single freed slot is not enough to accept placements again.
		reg.ReleaseRecorderSlot(ctx, node.ID, "rec-1")
		got, _ = reg.GetRecorder(node.ID)
		assert.Equal(t, 7, got.CurrentLoad)
		assert.False(t, got.IsAvailable())
	})

	t.Run("negative_load_floored_at_zero", func(t *testing.T) {
		require.NoError(t, reg.RecordRecorderHeartbeat(ctx, node.ID, -3, nil))

		got, _ := reg.GetRecorder(node.ID)
		assert.Equal(t, 0, got.CurrentLoad)
	})

	t.Run("unknown_node_errors", func(t *testing.T) {
		err := reg.RecordRecorderHeartbeat(ctx, "recorder-missing", 0, nil)
		assert.ErrorIs(t, err, models.ErrNodeNotFound)
	})
}

func TestReapStale(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	_, err := reg.RegisterRoomServer(ctx, roomServerDecl("rs-1", "us-east"))
	require.NoError(t, err)
	node, err := reg.RegisterRecorder(ctx, recorderDecl("us-east"))
	require.NoError(t, err)

	t.Run("fresh_nodes_survive", func(t *testing.T) {
		servers, recorders := reg.ReapStale(ctx, time.Minute)
		assert.Empty(t, servers)
		assert.Empty(t, recorders)
	})

	t.Run("stale_nodes_marked_once", func(t *testing.T) {
		// A zero timeout makes every heartbeat stale.
		time.Sleep(5 * time.Millisecond)
		servers, recorders := reg.ReapStale(ctx, 0)
		assert.Equal(t, []string{"rs-1"}, servers)
		assert.Equal(t, []string{node.ID}, recorders)

		got, _ := reg.GetRecorder(node.ID)
		assert.False(t, got.IsHealthy)

		// Second reap reports nothing new.
		servers, recorders = reg.ReapStale(ctx, 0)
		assert.Empty(t, servers)
		assert.Empty(t, recorders)
	})

	t.Run("heartbeat_wins_over_reap", func(t *testing.T) {
		require.NoError(t, reg.RecordRecorderHeartbeat(ctx, node.ID, 0, nil))
		got, _ := reg.GetRecorder(node.ID)
		assert.True(t, got.IsHealthy)
	})
}

func TestSlotAccounting(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(1, nil, nil, nil)

	node, err := reg.RegisterRecorder(ctx, recorderDecl("us-east"))
	require.NoError(t, err)
	require.Equal(t, 1, node.Capacity)

	t.Run("reserve_increments", func(t *testing.T) {
		require.NoError(t, reg.ReserveRecorderSlot(ctx, node.ID, "rec-1"))

		got, _ := reg.GetRecorder(node.ID)
		assert.Equal(t, 1, got.CurrentLoad)
		assert.Equal(t, []string{"rec-1"}, got.ActiveJobs)
	})

	t.Run("reserve_fails_when_full", func(t *testing.T) {
		err := reg.ReserveRecorderSlot(ctx, node.ID, "rec-2")
		assert.ErrorIs(t, err, models.ErrNoRecorderAvailable)
	})

	t.Run("release_decrements", func(t *testing.T) {
		reg.ReleaseRecorderSlot(ctx, node.ID, "rec-1")

		got, _ := reg.GetRecorder(node.ID)
		assert.Equal(t, 0, got.CurrentLoad)
		assert.Empty(t, got.ActiveJobs)
	})

	t.Run("release_clamps_at_zero", func(t *testing.T) {
		reg.ReleaseRecorderSlot(ctx, node.ID, "rec-1")

		got, _ := reg.GetRecorder(node.ID)
		assert.Equal(t, 0, got.CurrentLoad)
	})

	t.Run("room_server_load_clamped", func(t *testing.T) {
		_, err := reg.RegisterRoomServer(ctx, roomServerDecl("rs-1", "us-east"))
		require.NoError(t, err)

		reg.AdjustRoomServerLoad(ctx, "rs-1", -5)
		got, _ := reg.GetRoomServer("rs-1")
		assert.Equal(t, 0, got.CurrentLoad)

		reg.AdjustRoomServerLoad(ctx, "rs-1", 500)
		got, _ = reg.GetRoomServer("rs-1")
		assert.Equal(t, got.Capacity, got.CurrentLoad)
	})
}

func TestSelectRoomServer(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	_, err := reg.RegisterRoomServer(ctx, roomServerDecl("rs-1", "us-east", "room-a"))
	require.NoError(t, err)
	_, err = reg.RegisterRoomServer(ctx, roomServerDecl("rs-2", "us-west", "room-b"))
	require.NoError(t, err)

	t.Run("matches_hosted_room", func(t *testing.T) {
		srv, ok := reg.SelectRoomServer("room-b")
		require.True(t, ok)
		assert.Equal(t, "rs-2", srv.ID)
	})

	t.Run("falls_back_to_least_loaded", func(t *testing.T) {
		reg.AdjustRoomServerLoad(ctx, "rs-1", 50)

		srv, ok := reg.SelectRoomServer("room-unknown")
		require.True(t, ok)
		assert.Equal(t, "rs-2", srv.ID)
	})

	t.Run("skips_unhealthy", func(t *testing.T) {
		reg.MarkUnhealthy(ctx, "rs-2")

		srv, ok := reg.SelectRoomServer("room-b")
		require.True(t, ok)
		assert.Equal(t, "rs-1", srv.ID)
	})

	t.Run("none_when_all_unhealthy", func(t *testing.T) {
		reg.MarkUnhealthy(ctx, "rs-1")

		_, ok := reg.SelectRoomServer("room-a")
		assert.False(t, ok)
	})
}

func TestSeed(t *testing.T) {
	reg := newTestRegistry()

	reg.Seed(
		[]*models.RoomServer{{ID: "rs-1", URL: "http://rs-1:8080", Region: "us-east", IsHealthy: true}},
		[]*models.RecorderNode{{ID: "recorder-us-east-1-aaaa0000", URL: "http://r:9090", Region: "us-east", Capacity: 6, IsHealthy: true}},
	)

	roomServers, recorders, healthy := reg.Counts()
	assert.Equal(t, 1, roomServers)
	assert.Equal(t, 1, recorders)
	assert.Equal(t, 1, healthy)

	node, ok := reg.GetRecorder("recorder-us-east-1-aaaa0000")
	require.True(t, ok)
	assert.NotNil(t, node.ActiveJobs)
}
