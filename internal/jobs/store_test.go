package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/internal/models"
)

func newTestStore() *Store {
	return NewStore(nil, nil)
}

func createRequest(roomServerID string) CreateRequest {
	return CreateRequest{
		RoomServerID: roomServerID,
		RoomID:       "room-a",
		PeerID:       "peer-1",
		PeerInfo:     models.PeerInfo{DisplayName: "Alice"},
		RTPStreams: []models.RTPStream{
			{Kind: models.StreamKindAudio, Port: 10000, PayloadType: 111, SSRC: 1, CodecName: "opus"},
			{Kind: models.StreamKindVideo, Port: 10002, PayloadType: 96, SSRC: 2, CodecName: "vp8"},
		},
		Options: models.RecordingOptions{
			Quality:      models.QualityMedium,
			Format:       models.FormatMP4,
			IncludeAudio: true,
			IncludeVideo: true,
		},
	}
}

func strptr(s string) *string { return &s }

func TestCreate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	t.Run("creates_pending_job", func(t *testing.T) {
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)
		assert.Regexp(t, `^rec-\d+-[0-9a-z]{8}$`, job.JobID)
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.Empty(t, job.RecorderID)
		assert.Nil(t, job.EndTime)
		assert.Equal(t, 1, store.CountActive())
	})

	t.Run("rejects_missing_room_server", func(t *testing.T) {
		_, err := store.Create(ctx, createRequest(""))
		assert.ErrorIs(t, err, models.ErrNoRoomServer)
	})
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("full_lifecycle", func(t *testing.T) {
		store := newTestStore()
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)

		job, err = store.Transition(ctx, job.JobID, models.JobStatusInitializing, Patch{
			RecorderID: strptr("recorder-us-east-1-aaaa0000"),
		})
		require.NoError(t, err)
		assert.Equal(t, "recorder-us-east-1-aaaa0000", job.RecorderID)

		job, err = store.Transition(ctx, job.JobID, models.JobStatusRecording, Patch{
			Forwarding: &models.RTPForwarding{TargetIP: "10.0.0.5", Ports: []int{20000, 20002}},
		})
		require.NoError(t, err)
		require.NotNil(t, job.Forwarding)
		assert.Equal(t, []int{20000, 20002}, job.Forwarding.Ports)

		job, err = store.Transition(ctx, job.JobID, models.JobStatusCompleted, Patch{
			OutputPath: strptr("/recordings/out.mp4"),
			Metrics:    &models.RecordingMetrics{DurationSeconds: 42},
		})
		require.NoError(t, err)
		assert.NotNil(t, job.EndTime)
		assert.Equal(t, "/recordings/out.mp4", job.OutputPath)

		// Terminal jobs leave the active map.
		assert.Equal(t, 0, store.CountActive())
	})

	t.Run("rejects_illegal_transition", func(t *testing.T) {
		store := newTestStore()
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)

		_, err = store.Transition(ctx, job.JobID, models.JobStatusRecording, Patch{})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		_, err = store.Transition(ctx, job.JobID, models.JobStatusCompleted, Patch{})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("unknown_job_errors", func(t *testing.T) {
		store := newTestStore()
		_, err := store.Transition(ctx, "rec-0-missing", models.JobStatusFailed, Patch{})
		assert.ErrorIs(t, err, models.ErrJobNotFound)
	})

	t.Run("terminal_job_cannot_transition_again", func(t *testing.T) {
		store := newTestStore()
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)

		_, err = store.Transition(ctx, job.JobID, models.JobStatusCancelled, Patch{})
		require.NoError(t, err)

		// The job is gone from the store; a second transition cannot find it.
		_, err = store.Transition(ctx, job.JobID, models.JobStatusFailed, Patch{})
		assert.ErrorIs(t, err, models.ErrJobNotFound)
	})

	t.Run("fail_from_pending", func(t *testing.T) {
		store := newTestStore()
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)

		job, err = store.Transition(ctx, job.JobID, models.JobStatusFailed, Patch{
			ErrorMessage: strptr("room server became unhealthy"),
		})
		require.NoError(t, err)
		assert.Equal(t, "room server became unhealthy", job.ErrorMessage)
		assert.NotNil(t, job.EndTime)
	})
}

func TestQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("fifo_among_equal_priorities", func(t *testing.T) {
		store := newTestStore()
		first, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)
		second, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)

		require.True(t, store.Enqueue(first.JobID))
		require.True(t, store.Enqueue(second.JobID))
		assert.Equal(t, 2, store.QueueLength())

		snapshot := store.QueueSnapshot()
		require.Len(t, snapshot, 2)
		assert.Equal(t, first.JobID, snapshot[0].JobID)
		assert.Equal(t, second.JobID, snapshot[1].JobID)
	})

	t.Run("moderator_drains_before_anonymous", func(t *testing.T) {
		store := newTestStore()
		plain, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)

		req := createRequest("rs-1")
		req.PeerInfo = models.PeerInfo{
			DisplayName:     "Mod",
			IsAuthenticated: true,
			Roles:           []string{"moderator"},
		}
		mod, err := store.Create(ctx, req)
		require.NoError(t, err)

		require.True(t, store.Enqueue(plain.JobID))
		require.True(t, store.Enqueue(mod.JobID))

		snapshot := store.QueueSnapshot()
		require.Len(t, snapshot, 2)
		assert.Equal(t, mod.JobID, snapshot[0].JobID)
	})

	t.Run("dequeue_first_matching", func(t *testing.T) {
		store := newTestStore()
		a, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)
		b, err := store.Create(ctx, createRequest("rs-2"))
		require.NoError(t, err)

		require.True(t, store.Enqueue(a.JobID))
		require.True(t, store.Enqueue(b.JobID))

		got := store.DequeueFirstMatching(func(j *models.RecordingJob) bool {
			return j.RoomServerID == "rs-2"
		})
		require.NotNil(t, got)
		assert.Equal(t, b.JobID, got.JobID)
		assert.Equal(t, 1, store.QueueLength())

		none := store.DequeueFirstMatching(func(j *models.RecordingJob) bool { return false })
		assert.Nil(t, none)
		assert.Equal(t, 1, store.QueueLength())
	})

	t.Run("enqueue_requires_pending", func(t *testing.T) {
		store := newTestStore()
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)
		_, err = store.Transition(ctx, job.JobID, models.JobStatusInitializing, Patch{})
		require.NoError(t, err)

		assert.False(t, store.Enqueue(job.JobID))
		assert.False(t, store.Enqueue("rec-0-missing"))
	})

	t.Run("enqueue_is_idempotent", func(t *testing.T) {
		store := newTestStore()
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)

		require.True(t, store.Enqueue(job.JobID))
		require.True(t, store.Enqueue(job.JobID))
		assert.Equal(t, 1, store.QueueLength())
	})

	t.Run("terminal_transition_drops_queue_entry", func(t *testing.T) {
		store := newTestStore()
		job, err := store.Create(ctx, createRequest("rs-1"))
		require.NoError(t, err)
		require.True(t, store.Enqueue(job.JobID))

		_, err = store.Transition(ctx, job.JobID, models.JobStatusCancelled, Patch{})
		require.NoError(t, err)
		assert.Equal(t, 0, store.QueueLength())
	})
}

func TestListActive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	a, err := store.Create(ctx, createRequest("rs-1"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.Create(ctx, createRequest("rs-2"))
	require.NoError(t, err)

	_, err = store.Transition(ctx, a.JobID, models.JobStatusInitializing, Patch{
		RecorderID: strptr("recorder-us-east-1-aaaa0000"),
	})
	require.NoError(t, err)

	t.Run("filters_by_room_server", func(t *testing.T) {
		got := store.ListActive(ActiveFilter{RoomServerID: "rs-1"})
		require.Len(t, got, 1)
		assert.Equal(t, a.JobID, got[0].JobID)
	})

	t.Run("filters_by_status", func(t *testing.T) {
		got := store.ListActive(ActiveFilter{Status: models.JobStatusPending})
		require.Len(t, got, 1)
		assert.Equal(t, "rs-2", got[0].RoomServerID)
	})

	t.Run("filters_by_recorder", func(t *testing.T) {
		got := store.ListActive(ActiveFilter{RecorderID: "recorder-us-east-1-aaaa0000"})
		require.Len(t, got, 1)
		assert.Equal(t, a.JobID, got[0].JobID)
	})

	t.Run("oldest_first", func(t *testing.T) {
		got := store.ListActive(ActiveFilter{})
		require.Len(t, got, 2)
		assert.Equal(t, a.JobID, got[0].JobID)
	})
}

func TestSeed(t *testing.T) {
	store := newTestStore()

	end := models.Now()
	store.Seed([]*models.RecordingJob{
		{JobID: "rec-1-active01", RoomServerID: "rs-1", Status: models.JobStatusRecording, StartTime: time.Now()},
		{JobID: "rec-2-queued01", RoomServerID: "rs-1", Status: models.JobStatusPending, StartTime: time.Now()},
		{JobID: "rec-3-done0001", RoomServerID: "rs-1", Status: models.JobStatusCompleted, StartTime: time.Now(), EndTime: &end},
	})

	assert.Equal(t, 2, store.CountActive())
	assert.Equal(t, 1, store.QueueLength())

	snapshot := store.QueueSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "rec-2-queued01", snapshot[0].JobID)
}

func TestMutationIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	job, err := store.Create(ctx, createRequest("rs-1"))
	require.NoError(t, err)

	// Mutating a returned copy must not leak into the store.
	job.RTPStreams[0].Port = 9999
	job.PeerInfo.DisplayName = "Mallory"

	got, err := store.Get(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10000, got.RTPStreams[0].Port)
	assert.Equal(t, "Alice", got.PeerInfo.DisplayName)
}
