// Package nodeapi defines the JSON wire types the orchestrator exchanges
// with recorder nodes and room servers. Field names are fixed by the node
// protocol (camelCase) and are independent of the orchestrator's own REST
// surface.
package nodeapi

// Stream kinds on the wire.
const (
	StreamKindAudio = "audio"
	StreamKindVideo = "video"
)

// RTPStream describes one RTP stream in node RPC bodies. Port is the
// destination port on the recorder once forwarding is configured.
type RTPStream struct {
	Kind        string `json:"kind"`
	Port        int    `json:"port"`
	PayloadType int    `json:"payloadType"`
	SSRC        uint32 `json:"ssrc"`
	CodecName   string `json:"codecName"`
}

// PeerInfo describes the participant being recorded.
type PeerInfo struct {
	DisplayName     string   `json:"displayName"`
	IsAuthenticated bool     `json:"isAuthenticated"`
	Roles           []string `json:"roles,omitempty"`
}

// RecordingOptions are the recording preferences passed to the recorder.
type RecordingOptions struct {
	Quality            string `json:"quality"`
	Format             string `json:"format"`
	IncludeAudio       bool   `json:"includeAudio"`
	IncludeVideo       bool   `json:"includeVideo"`
	MaxDurationSeconds int    `json:"maxDurationSeconds,omitempty"`
}

// RoomInfo identifies the source of the streams being recorded.
type RoomInfo struct {
	RoomServerID string `json:"roomServerId"`
	RoomID       string `json:"roomId"`
}

// AllocatePortsRequest asks a recorder for even-numbered RTP ports.
type AllocatePortsRequest struct {
	Count int `json:"count"`
}

// AllocatePortsResponse returns the allocated ports. The recorder's answer
// is authoritative; the orchestrator records the ports on the job only.
type AllocatePortsResponse struct {
	Ports []int `json:"ports"`
}

// ReleasePortsRequest returns previously allocated ports (rollback path).
type ReleasePortsRequest struct {
	Ports []int `json:"ports"`
}

// StartRecordingRequest starts a recording on a recorder node.
type StartRecordingRequest struct {
	JobID                   string           `json:"jobId"`
	PeerInfo                PeerInfo         `json:"peerInfo"`
	RTPStreams              []RTPStream      `json:"rtpStreams"`
	Options                 RecordingOptions `json:"options"`
	RoomInfo                RoomInfo         `json:"roomInfo"`
	OrchestratorCallbackURL string           `json:"orchestratorCallbackUrl"`
}

// StopRecordingRequest stops a recording. Idempotent on the recorder side.
type StopRecordingRequest struct {
	JobID string `json:"jobId"`
}

// TargetNode is the forwarding destination: recorder IP plus the allocated
// ports, in stream order.
type TargetNode struct {
	IP    string `json:"ip"`
	Ports []int  `json:"ports"`
}

// ConfigureForwardingRequest tells a room server to forward a peer's RTP
// streams to a recorder.
type ConfigureForwardingRequest struct {
	JobID      string      `json:"jobId"`
	PeerID     string      `json:"peerId"`
	TargetNode TargetNode  `json:"targetNode"`
	RTPStreams []RTPStream `json:"rtpStreams"`
}

// StopForwardingRequest tears forwarding down. Idempotent server-side.
type StopForwardingRequest struct {
	JobID string `json:"jobId"`
}

// Recorder callback event types.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// RecordingEvent is the callback a recorder posts to the orchestrator as a
// job progresses.
type RecordingEvent struct {
	JobID string             `json:"jobId"`
	Event string             `json:"event"`
	Data  RecordingEventData `json:"data,omitempty"`
}

// RecordingEventData is the event-specific payload.
type RecordingEventData struct {
	OutputPath      string  `json:"outputPath,omitempty"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	FileSizeBytes   int64   `json:"fileSizeBytes,omitempty"`
	PacketsReceived int64   `json:"packetsReceived,omitempty"`
	PacketsLost     int64   `json:"packetsLost,omitempty"`
}
