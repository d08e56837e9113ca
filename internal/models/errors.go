package models

import "errors"

// Sentinel errors shared across the orchestrator core.
var (
	// ErrInvalidTransition is returned when a job status change violates
	// the recording job state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobNotFound is returned when a job identifier does not resolve.
	ErrJobNotFound = errors.New("job not found")

	// ErrNodeNotFound is returned when a node identifier does not resolve.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoRoomServer is returned when a recording request names a room
	// server that is unknown or unhealthy.
	ErrNoRoomServer = errors.New("no healthy room server for request")

	// ErrNoRecorderAvailable signals that placement found no recorder.
	// It is not terminal: the job is queued for the next drain pass.
	ErrNoRecorderAvailable = errors.New("no recorder available")

	// ErrRoomServerIDRequired is returned when a room server registers
	// without its caller-supplied identifier.
	ErrRoomServerIDRequired = errors.New("room server id is required")

	// ErrEndpointRequired is returned when a node registers without a
	// reachable endpoint URL.
	ErrEndpointRequired = errors.New("node endpoint url is required")
)
