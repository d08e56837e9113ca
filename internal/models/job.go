package models

import (
	"time"

	"gorm.io/gorm"
)

// JobStatus represents the current status of a recording job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting for a recorder.
	JobStatusPending JobStatus = "pending"
	// JobStatusInitializing indicates placement is being carried out:
	// port allocation, RTP forwarding setup, recorder start.
	JobStatusInitializing JobStatus = "initializing"
	// JobStatusRecording indicates the recorder is actively recording.
	JobStatusRecording JobStatus = "recording"
	// JobStatusCompleted indicates the recording finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled.
	JobStatusCancelled JobStatus = "cancelled"
)

// legalTransitions is the recording job state machine. Terminal states
// have no outgoing edges. recording -> initializing is the failover path:
// a job whose recorder died is re-placed as a fresh assignment.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:      {JobStatusInitializing, JobStatusFailed, JobStatusCancelled},
	JobStatusInitializing: {JobStatusRecording, JobStatusFailed, JobStatusCancelled},
	JobStatusRecording:    {JobStatusInitializing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// IsTerminal returns true for completed, failed, and cancelled.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StreamKind identifies the media type of an RTP stream.
type StreamKind string

const (
	// StreamKindAudio is an audio RTP stream.
	StreamKindAudio StreamKind = "audio"
	// StreamKindVideo is a video RTP stream.
	StreamKindVideo StreamKind = "video"
)

// RTPStream describes one RTP stream to be forwarded and recorded.
// Port starts as the source port on the room server and is rewritten to
// the allocated destination port during assignment.
type RTPStream struct {
	Kind        StreamKind `json:"kind"`
	Port        int        `json:"port"`
	PayloadType int        `json:"payload_type"`
	SSRC        uint32     `json:"ssrc"`
	CodecName   string     `json:"codec_name"`
}

// RTPForwarding is the forwarding configuration built during assignment:
// the recorder's IP plus the ports it allocated, one per RTP stream.
type RTPForwarding struct {
	TargetIP string `json:"target_ip"`
	Ports    []int  `json:"ports"`
}

// RecordingQuality selects the transcode quality tier.
type RecordingQuality string

const (
	QualityLow    RecordingQuality = "low"
	QualityMedium RecordingQuality = "medium"
	QualityHigh   RecordingQuality = "high"
)

// ContainerFormat selects the output container.
type ContainerFormat string

const (
	FormatMP4  ContainerFormat = "mp4"
	FormatWebM ContainerFormat = "webm"
	FormatMKV  ContainerFormat = "mkv"
)

// RecordingOptions are the caller's recording preferences.
type RecordingOptions struct {
	Quality      RecordingQuality `json:"quality"`
	Format       ContainerFormat  `json:"format"`
	IncludeAudio bool             `json:"include_audio"`
	IncludeVideo bool             `json:"include_video"`
	MaxDuration  time.Duration    `json:"max_duration,omitempty"`
}

// PeerInfo describes the conference participant being recorded.
type PeerInfo struct {
	DisplayName     string    `json:"display_name"`
	IsAuthenticated bool      `json:"is_authenticated"`
	Roles           []string  `json:"roles,omitempty"`
	JoinedAt        time.Time `json:"joined_at,omitempty"`
}

// HasRole returns true if the peer carries the given role.
func (p PeerInfo) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequesterInfo identifies who asked for the recording. The token is
// opaque to the orchestrator and passed through to the recorder.
type RequesterInfo struct {
	UserID    string `json:"user_id,omitempty"`
	Source    string `json:"source,omitempty"`
	AuthToken string `json:"auth_token,omitempty" masq:"secret"`
}

// RecordingMetrics are post-run statistics reported by the recorder.
type RecordingMetrics struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	FileSizeBytes   int64   `json:"file_size_bytes,omitempty"`
	PacketsReceived int64   `json:"packets_received,omitempty"`
	PacketsLost     int64   `json:"packets_lost,omitempty"`
}

// RecordingJob is the control-plane record of one ongoing or past
// recording. Active jobs are owned by the in-memory job store; terminal
// jobs survive only in the repository.
type RecordingJob struct {
	JobID        string            `gorm:"primarykey;size:255;column:job_id" json:"job_id"`
	RoomServerID string            `gorm:"size:255;index" json:"room_server_id"`
	RoomID       string            `gorm:"size:255;index" json:"room_id"`
	PeerID       string            `gorm:"size:255" json:"peer_id"`
	PeerInfo     PeerInfo          `gorm:"type:text;serializer:json" json:"peer_info"`
	RecorderID   string            `gorm:"size:255;index" json:"recorder_id,omitempty"`
	RTPStreams   []RTPStream       `gorm:"type:text;serializer:json" json:"rtp_streams"`
	Forwarding   *RTPForwarding    `gorm:"type:text;serializer:json;column:rtp_forwarding" json:"rtp_forwarding,omitempty"`
	Options      RecordingOptions  `gorm:"type:text;serializer:json" json:"options"`
	Status       JobStatus         `gorm:"not null;size:20;index" json:"status"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *Time             `json:"end_time,omitempty"`
	OutputPath   string            `gorm:"size:2048" json:"output_path,omitempty"`
	ErrorMessage string            `gorm:"size:4096" json:"error_message,omitempty"`
	Requester    RequesterInfo     `gorm:"type:text;serializer:json;column:requester_info" json:"requester_info"`
	Metrics      *RecordingMetrics `gorm:"type:text;serializer:json" json:"metrics,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TableName returns the table name for RecordingJob.
func (RecordingJob) TableName() string {
	return "recording_jobs"
}

// IsActive returns true while the job is in a non-terminal status.
func (j *RecordingJob) IsActive() bool {
	return !j.Status.IsTerminal()
}

// Validate performs basic validation on the job.
func (j *RecordingJob) Validate() error {
	if j.RoomServerID == "" {
		return ErrNoRoomServer
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job.
func (j *RecordingJob) BeforeCreate(tx *gorm.DB) error {
	return j.Validate()
}

// Queue priority weights. Higher priority drains first; FIFO among equals.
const (
	priorityBase          = 10
	priorityAuthenticated = 20
	priorityModerator     = 30
	priorityPresenter     = 15
	priorityAgeBoostCap   = 30
)

// PriorityAt computes the drain priority of a queued job at the given
// instant: base 10, +20 authenticated, +30 moderator, +15 presenter, an
// age boost of one point per ten seconds waited (capped at 30), minus a
// quality penalty (high 10, medium 5).
func (j *RecordingJob) PriorityAt(enqueuedAt, now time.Time) int {
	p := priorityBase
	if j.PeerInfo.IsAuthenticated {
		p += priorityAuthenticated
	}
	if j.PeerInfo.HasRole("moderator") {
		p += priorityModerator
	}
	if j.PeerInfo.HasRole("presenter") {
		p += priorityPresenter
	}

	if waited := now.Sub(enqueuedAt); waited > 0 {
		boost := int(waited.Seconds() / 10)
		if boost > priorityAgeBoostCap {
			boost = priorityAgeBoostCap
		}
		p += boost
	}

	switch j.Options.Quality {
	case QualityHigh:
		p -= 10
	case QualityMedium:
		p -= 5
	}

	return p
}
