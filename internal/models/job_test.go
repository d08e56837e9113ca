package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending_to_initializing", JobStatusPending, JobStatusInitializing, true},
		{"pending_to_failed", JobStatusPending, JobStatusFailed, true},
		{"pending_to_cancelled", JobStatusPending, JobStatusCancelled, true},
		{"pending_to_recording_skips_init", JobStatusPending, JobStatusRecording, false},
		{"initializing_to_recording", JobStatusInitializing, JobStatusRecording, true},
		{"initializing_to_failed", JobStatusInitializing, JobStatusFailed, true},
		{"recording_to_completed", JobStatusRecording, JobStatusCompleted, true},
		{"recording_to_initializing_failover", JobStatusRecording, JobStatusInitializing, true},
		{"recording_to_failed", JobStatusRecording, JobStatusFailed, true},
		{"recording_to_cancelled", JobStatusRecording, JobStatusCancelled, true},
		{"recording_to_pending_is_backwards", JobStatusRecording, JobStatusPending, false},
		{"completed_is_terminal", JobStatusCompleted, JobStatusFailed, false},
		{"failed_is_terminal", JobStatusFailed, JobStatusCompleted, false},
		{"cancelled_is_terminal", JobStatusCancelled, JobStatusRecording, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusInitializing.IsTerminal())
	assert.False(t, JobStatusRecording.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}

func TestJobPriority(t *testing.T) {
	now := time.Now()

	t.Run("base_priority", func(t *testing.T) {
		j := &RecordingJob{Options: RecordingOptions{Quality: QualityLow}}
		assert.Equal(t, 10, j.PriorityAt(now, now))
	})

	t.Run("authenticated_moderator", func(t *testing.T) {
		j := &RecordingJob{
			PeerInfo: PeerInfo{IsAuthenticated: true, Roles: []string{"moderator"}},
			Options:  RecordingOptions{Quality: QualityLow},
		}
		assert.Equal(t, 60, j.PriorityAt(now, now))
	})

	t.Run("presenter_with_quality_penalty", func(t *testing.T) {
		j := &RecordingJob{
			PeerInfo: PeerInfo{Roles: []string{"presenter"}},
			Options:  RecordingOptions{Quality: QualityHigh},
		}
		assert.Equal(t, 15, j.PriorityAt(now, now)) // 10 + 15 - 10
	})

	t.Run("age_boost_accumulates", func(t *testing.T) {
		j := &RecordingJob{Options: RecordingOptions{Quality: QualityLow}}
		enqueued := now.Add(-100 * time.Second)
		assert.Equal(t, 20, j.PriorityAt(enqueued, now)) // 10 + 100/10
	})

	t.Run("age_boost_caps_at_thirty", func(t *testing.T) {
		j := &RecordingJob{Options: RecordingOptions{Quality: QualityLow}}
		enqueued := now.Add(-time.Hour)
		assert.Equal(t, 40, j.PriorityAt(enqueued, now))
	})
}

func TestPeerInfoHasRole(t *testing.T) {
	p := PeerInfo{Roles: []string{"presenter", "moderator"}}
	assert.True(t, p.HasRole("moderator"))
	assert.False(t, p.HasRole("viewer"))
}
