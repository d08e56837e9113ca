package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/corralhq/corral/internal/jobs"
	"github.com/corralhq/corral/internal/models"
	"github.com/corralhq/corral/internal/orchestrator"
	"github.com/corralhq/corral/internal/repository"
	"github.com/corralhq/corral/pkg/nodeapi"
)

// RecordingsHandler serves the recording lifecycle API and the recorder
// callback endpoint.
type RecordingsHandler struct {
	dispatcher *orchestrator.Dispatcher
	store      *jobs.Store
	jobRepo    repository.JobRepository
	logger     *slog.Logger
}

// NewRecordingsHandler creates a recordings handler. The job repository may
// be nil, in which case history queries are unavailable.
func NewRecordingsHandler(dispatcher *orchestrator.Dispatcher, store *jobs.Store, jobRepo repository.JobRepository, logger *slog.Logger) *RecordingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingsHandler{
		dispatcher: dispatcher,
		store:      store,
		jobRepo:    jobRepo,
		logger:     logger,
	}
}

// Register registers the recording routes with the API.
func (h *RecordingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "startRecording",
		Method:      "POST",
		Path:        "/api/v1/recordings",
		Summary:     "Start recording",
		Description: "Places a recording on a recorder node, or queues it when the fleet is full",
		Tags:        []string{"Recordings"},
	}, h.StartRecording)

	huma.Register(api, huma.Operation{
		OperationID: "stopRecording",
		Method:      "POST",
		Path:        "/api/v1/recordings/{id}/stop",
		Summary:     "Stop recording",
		Description: "Stops a recording. Stopping a finished recording returns its stored outcome",
		Tags:        []string{"Recordings"},
	}, h.StopRecording)

	huma.Register(api, huma.Operation{
		OperationID: "getRecording",
		Method:      "GET",
		Path:        "/api/v1/recordings/{id}",
		Summary:     "Get recording",
		Description: "Returns a recording job, active or historical",
		Tags:        []string{"Recordings"},
	}, h.GetRecording)

	huma.Register(api, huma.Operation{
		OperationID: "listRecordings",
		Method:      "GET",
		Path:        "/api/v1/recordings",
		Summary:     "List active recordings",
		Tags:        []string{"Recordings"},
	}, h.ListRecordings)

	huma.Register(api, huma.Operation{
		OperationID: "listRecordingHistory",
		Method:      "GET",
		Path:        "/api/v1/recordings/history",
		Summary:     "Recording history",
		Description: "Pages through persisted recording jobs, newest first",
		Tags:        []string{"Recordings"},
	}, h.History)

	huma.Register(api, huma.Operation{
		OperationID: "recorderCallback",
		Method:      "POST",
		Path:        "/api/v1/callbacks/recordings",
		Summary:     "Recorder callback",
		Description: "Receives lifecycle events posted by recorder nodes",
		Tags:        []string{"Recordings"},
	}, h.RecorderCallback)
}

// RecordingOptionsBody is the caller's recording preferences as they appear
// on the REST surface. Duration rides as whole seconds.
type RecordingOptionsBody struct {
	Quality            string `json:"quality,omitempty" enum:"low,medium,high" doc:"Transcode quality tier"`
	Format             string `json:"format,omitempty" enum:"mp4,webm,mkv" doc:"Output container"`
	IncludeAudio       bool   `json:"include_audio,omitempty"`
	IncludeVideo       bool   `json:"include_video,omitempty"`
	MaxDurationSeconds int    `json:"max_duration_seconds,omitempty" minimum:"0"`
}

// StartRecordingInput is the recording request payload.
type StartRecordingInput struct {
	Body struct {
		RoomServerID string               `json:"room_server_id,omitempty" doc:"Target room server; omit to let the room id select one"`
		RoomID       string               `json:"room_id,omitempty"`
		PeerID       string               `json:"peer_id"`
		PeerInfo     models.PeerInfo      `json:"peer_info,omitempty"`
		RTPStreams   []models.RTPStream   `json:"rtp_streams"`
		Options      RecordingOptionsBody `json:"options,omitempty"`
		Requester    models.RequesterInfo `json:"requester,omitempty"`
		PreferGPU    bool                 `json:"prefer_gpu,omitempty"`
		MinCores     int                  `json:"min_cores,omitempty" minimum:"0"`
		MinRAMBytes  uint64               `json:"min_ram_bytes,omitempty"`
	}
}

// JobOutput wraps a single recording job.
type JobOutput struct {
	Body Envelope[*models.RecordingJob]
}

// StartRecording creates and places a recording job. A queued job is a
// success: the response carries it in pending status.
func (h *RecordingsHandler) StartRecording(ctx context.Context, input *StartRecordingInput) (*JobOutput, error) {
	job, err := h.dispatcher.StartRecording(ctx, orchestrator.StartRequest{
		RoomServerID: input.Body.RoomServerID,
		RoomID:       input.Body.RoomID,
		PeerID:       input.Body.PeerID,
		PeerInfo:     input.Body.PeerInfo,
		RTPStreams:   input.Body.RTPStreams,
		Options: models.RecordingOptions{
			Quality:      models.RecordingQuality(input.Body.Options.Quality),
			Format:       models.ContainerFormat(input.Body.Options.Format),
			IncludeAudio: input.Body.Options.IncludeAudio,
			IncludeVideo: input.Body.Options.IncludeVideo,
			MaxDuration:  time.Duration(input.Body.Options.MaxDurationSeconds) * time.Second,
		},
		Requester:   input.Body.Requester,
		PreferGPU:   input.Body.PreferGPU,
		MinCores:    input.Body.MinCores,
		MinRAMBytes: input.Body.MinRAMBytes,
	})
	if err != nil {
		if errors.Is(err, models.ErrNoRoomServer) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		// Placement failures leave a terminal job behind; surface its id
		// so the caller can inspect the outcome.
		if job != nil {
			return nil, huma.Error502BadGateway(fmt.Sprintf("placement failed for job %s: %s", job.JobID, err.Error()))
		}
		return nil, huma.Error500InternalServerError("starting recording", err)
	}

	return &JobOutput{Body: wrap(job)}, nil
}

// StopRecordingInput identifies the recording to stop.
type StopRecordingInput struct {
	ID string `path:"id"`
}

// StopRecording ends a recording. Idempotent for finished jobs.
func (h *RecordingsHandler) StopRecording(ctx context.Context, input *StopRecordingInput) (*JobOutput, error) {
	job, err := h.dispatcher.StopRecording(ctx, input.ID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("recording %s not found", input.ID))
		}
		return nil, huma.Error500InternalServerError("stopping recording", err)
	}
	return &JobOutput{Body: wrap(job)}, nil
}

// GetRecordingInput identifies the recording to fetch.
type GetRecordingInput struct {
	ID string `path:"id"`
}

// GetRecording returns a recording job by id, active or historical.
func (h *RecordingsHandler) GetRecording(ctx context.Context, input *GetRecordingInput) (*JobOutput, error) {
	job, err := h.store.Get(ctx, input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading recording", err)
	}
	if job == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("recording %s not found", input.ID))
	}
	return &JobOutput{Body: wrap(job)}, nil
}

// ListRecordingsInput filters the active recording list.
type ListRecordingsInput struct {
	RoomServerID string `query:"room_server_id"`
	RecorderID   string `query:"recorder_id"`
	RoomID       string `query:"room_id"`
	Status       string `query:"status" enum:"pending,initializing,recording" doc:"Only jobs in this status"`
}

// ListRecordingsOutput wraps the active job list.
type ListRecordingsOutput struct {
	Body Envelope[[]*models.RecordingJob]
}

// ListRecordings returns the active recording jobs, oldest first.
func (h *RecordingsHandler) ListRecordings(ctx context.Context, input *ListRecordingsInput) (*ListRecordingsOutput, error) {
	list := h.store.ListActive(jobs.ActiveFilter{
		RoomServerID: input.RoomServerID,
		RecorderID:   input.RecorderID,
		RoomID:       input.RoomID,
		Status:       models.JobStatus(input.Status),
	})
	if list == nil {
		list = []*models.RecordingJob{}
	}
	return &ListRecordingsOutput{Body: wrap(list)}, nil
}

// HistoryInput filters and pages the persisted job history.
type HistoryInput struct {
	RoomServerID string `query:"room_server_id"`
	RecorderID   string `query:"recorder_id"`
	RoomID       string `query:"room_id"`
	Status       string `query:"status" enum:"pending,initializing,recording,completed,failed,cancelled"`
	Since        string `query:"since" doc:"RFC 3339 lower bound on start time"`
	Until        string `query:"until" doc:"RFC 3339 upper bound on start time"`
	Offset       int    `query:"offset" minimum:"0"`
	Limit        int    `query:"limit" minimum:"0" maximum:"500" doc:"Page size, default 50"`
}

// HistoryOutput wraps one history page.
type HistoryOutput struct {
	Body Envelope[JobPage]
}

// History pages through persisted recording jobs, newest first.
func (h *RecordingsHandler) History(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	if h.jobRepo == nil {
		return nil, huma.Error500InternalServerError("job history is not available without a database")
	}

	filter := repository.JobHistoryFilter{
		RoomServerID: input.RoomServerID,
		RecorderID:   input.RecorderID,
		RoomID:       input.RoomID,
		Status:       models.JobStatus(input.Status),
		Offset:       input.Offset,
		Limit:        input.Limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if input.Since != "" {
		since, err := time.Parse(time.RFC3339, input.Since)
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid since timestamp: %s", err.Error()))
		}
		filter.Since = &since
	}
	if input.Until != "" {
		until, err := time.Parse(time.RFC3339, input.Until)
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid until timestamp: %s", err.Error()))
		}
		filter.Until = &until
	}

	list, total, err := h.jobRepo.QueryHistory(ctx, filter)
	if err != nil {
		return nil, huma.Error500InternalServerError("querying job history", err)
	}
	if list == nil {
		list = []*models.RecordingJob{}
	}

	return &HistoryOutput{Body: wrap(JobPage{
		Jobs:   list,
		Total:  total,
		Offset: filter.Offset,
		Limit:  filter.Limit,
	})}, nil
}

// RecorderCallbackInput is a lifecycle event posted by a recorder node.
// The body uses the node protocol's camelCase field names.
type RecorderCallbackInput struct {
	Body nodeapi.RecordingEvent
}

// RecorderCallbackOutput acknowledges the event.
type RecorderCallbackOutput struct {
	Body Envelope[struct {
		Received bool `json:"received"`
	}]
}

// RecorderCallback applies a recorder lifecycle event to its job. Events
// for unknown or finished jobs are acknowledged and dropped.
func (h *RecordingsHandler) RecorderCallback(ctx context.Context, input *RecorderCallbackInput) (*RecorderCallbackOutput, error) {
	if input.Body.JobID == "" {
		return nil, huma.Error400BadRequest("jobId is required")
	}

	if err := h.dispatcher.HandleRecorderEvent(ctx, input.Body); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	out := &RecorderCallbackOutput{}
	out.Body.Success = true
	out.Body.Data.Received = true
	return out, nil
}
