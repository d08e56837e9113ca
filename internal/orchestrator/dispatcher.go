// Package orchestrator is corral's control loop layer: the dispatcher that
// carries out recorder placement, the health loop that reaps silent nodes
// and drives failover and queue drain, and the metrics aggregator that
// produces fleet snapshots and scaling advisories.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corralhq/corral/internal/events"
	"github.com/corralhq/corral/internal/fleet"
	"github.com/corralhq/corral/internal/jobs"
	"github.com/corralhq/corral/internal/models"
	"github.com/corralhq/corral/internal/nodeclient"
	"github.com/corralhq/corral/internal/telemetry"
	"github.com/corralhq/corral/pkg/nodeapi"
)

// Recording event types published on the recordings class.
const (
	EventRecordingRequested = "recording_requested"
	EventRecordingQueued    = "recording_queued"
	EventRecordingStarted   = "recording_started"
	EventRecordingCompleted = "recording_completed"
	EventRecordingFailed    = "recording_failed"
	EventRecordingCancelled = "recording_cancelled"
)

// StartRequest is a recording request as it enters the dispatcher.
// RoomServerID may be empty, in which case the room id selects a server.
type StartRequest struct {
	RoomServerID string
	RoomID       string
	PeerID       string
	PeerInfo     models.PeerInfo
	RTPStreams   []models.RTPStream
	Options      models.RecordingOptions
	Requester    models.RequesterInfo
	PreferGPU    bool
	MinCores     int
	MinRAMBytes  uint64
}

// Dispatcher turns recording requests into placed jobs and keeps the
// fleet's load accounting consistent through every job outcome.
type Dispatcher struct {
	registry    *fleet.Registry
	store       *jobs.Store
	nodes       nodeclient.NodeClient
	bus         *events.Bus
	metrics     *telemetry.Metrics
	callbackURL string
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. Metrics may be nil.
func NewDispatcher(registry *fleet.Registry, store *jobs.Store, nodes nodeclient.NodeClient, bus *events.Bus, metrics *telemetry.Metrics, callbackURL string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:    registry,
		store:       store,
		nodes:       nodes,
		bus:         bus,
		metrics:     metrics,
		callbackURL: callbackURL,
		logger:      logger.With(slog.String("component", "dispatcher")),
	}
}

// StartRecording creates a job for the request and either assigns it to a
// recorder immediately or enqueues it. Queueing is not an error: the
// returned job is pending and the health loop drains it when capacity
// appears.
func (d *Dispatcher) StartRecording(ctx context.Context, req StartRequest) (*models.RecordingJob, error) {
	roomServer, err := d.resolveRoomServer(req)
	if err != nil {
		return nil, err
	}

	job, err := d.store.Create(ctx, jobs.CreateRequest{
		RoomServerID: roomServer.ID,
		RoomID:       req.RoomID,
		PeerID:       req.PeerID,
		PeerInfo:     req.PeerInfo,
		RTPStreams:   req.RTPStreams,
		Options:      req.Options,
		Requester:    req.Requester,
	})
	if err != nil {
		return nil, err
	}
	d.publishJob(EventRecordingRequested, job)

	requirement := d.requirementFor(job, roomServer.Region)
	requirement.PreferGPU = requirement.PreferGPU || req.PreferGPU
	requirement.MinCores = req.MinCores
	requirement.MinRAMBytes = req.MinRAMBytes

	recorder := fleet.SelectRecorder(d.registry.HealthyRecorders(), requirement)
	if recorder == nil {
		d.store.Enqueue(job.JobID)
		if d.metrics != nil {
			d.metrics.JobsQueued.Inc()
		}
		d.logger.Info("no recorder available, job queued",
			slog.String("job_id", job.JobID),
			slog.Int("queue_length", d.store.QueueLength()),
		)
		d.publishJob(EventRecordingQueued, job)
		return job, nil
	}

	return d.Assign(ctx, job, recorder, roomServer)
}

// Assign carries out a placement: allocates ports on the recorder, points
// the room server's RTP streams at them, starts the recorder, and moves
// the job to recording. Any step failing rolls back the completed side
// effects and fails the job.
func (d *Dispatcher) Assign(ctx context.Context, job *models.RecordingJob, recorder *models.RecorderNode, roomServer *models.RoomServer) (*models.RecordingJob, error) {
	start := time.Now()

	job, err := d.store.Transition(ctx, job.JobID, models.JobStatusInitializing, jobs.Patch{
		RecorderID: &recorder.ID,
	})
	if err != nil {
		return nil, err
	}

	ports, err := d.nodes.AllocatePorts(ctx, recorder.URL, len(job.RTPStreams))
	if err != nil {
		return d.failAssign(ctx, job, fmt.Errorf("allocating ports on %s: %w", recorder.ID, err))
	}

	targetIP, err := nodeclient.HostIP(recorder.URL)
	if err != nil {
		d.releasePorts(recorder.URL, ports)
		return d.failAssign(ctx, job, err)
	}

	// Each stream's port becomes the allocated destination, on the wire
	// copies and on the job itself, so queried snapshots show where the
	// stream actually lands.
	forwarding := &models.RTPForwarding{TargetIP: targetIP, Ports: ports}
	placedStreams := make([]models.RTPStream, len(job.RTPStreams))
	wireStreams := make([]nodeapi.RTPStream, len(job.RTPStreams))
	for i, s := range job.RTPStreams {
		s.Port = ports[i]
		placedStreams[i] = s
		wireStreams[i] = nodeapi.RTPStream{
			Kind:        string(s.Kind),
			Port:        s.Port,
			PayloadType: s.PayloadType,
			SSRC:        s.SSRC,
			CodecName:   s.CodecName,
		}
	}

	err = d.nodes.ConfigureForwarding(ctx, roomServer.URL, nodeapi.ConfigureForwardingRequest{
		JobID:      job.JobID,
		PeerID:     job.PeerID,
		TargetNode: nodeapi.TargetNode{IP: targetIP, Ports: ports},
		RTPStreams: wireStreams,
	})
	if err != nil {
		d.releasePorts(recorder.URL, ports)
		return d.failAssign(ctx, job, fmt.Errorf("configuring forwarding on %s: %w", roomServer.ID, err))
	}

	err = d.nodes.StartRecording(ctx, recorder.URL, nodeapi.StartRecordingRequest{
		JobID: job.JobID,
		PeerInfo: nodeapi.PeerInfo{
			DisplayName:     job.PeerInfo.DisplayName,
			IsAuthenticated: job.PeerInfo.IsAuthenticated,
			Roles:           job.PeerInfo.Roles,
		},
		RTPStreams: wireStreams,
		Options: nodeapi.RecordingOptions{
			Quality:            string(job.Options.Quality),
			Format:             string(job.Options.Format),
			IncludeAudio:       job.Options.IncludeAudio,
			IncludeVideo:       job.Options.IncludeVideo,
			MaxDurationSeconds: int(job.Options.MaxDuration.Seconds()),
		},
		RoomInfo:                nodeapi.RoomInfo{RoomServerID: job.RoomServerID, RoomID: job.RoomID},
		OrchestratorCallbackURL: d.callbackURL,
	})
	if err != nil {
		d.stopForwarding(roomServer.URL, job.JobID)
		d.releasePorts(recorder.URL, ports)
		return d.failAssign(ctx, job, fmt.Errorf("starting recording on %s: %w", recorder.ID, err))
	}

	if err := d.registry.ReserveRecorderSlot(ctx, recorder.ID, job.JobID); err != nil {
		d.stopRecorder(recorder.URL, job.JobID)
		d.stopForwarding(roomServer.URL, job.JobID)
		d.releasePorts(recorder.URL, ports)
		return d.failAssign(ctx, job, fmt.Errorf("reserving slot on %s: %w", recorder.ID, err))
	}
	d.registry.AdjustRoomServerLoad(ctx, roomServer.ID, 1)

	job, err = d.store.Transition(ctx, job.JobID, models.JobStatusRecording, jobs.Patch{
		Forwarding: forwarding,
		RTPStreams: placedStreams,
	})
	if err != nil {
		// The recorder is already running; accounting stays until the
		// stop path or a callback reconciles it.
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.JobsStarted.Inc()
		d.metrics.PlacementDuration.Observe(time.Since(start).Seconds())
	}
	d.logger.Info("recording assigned",
		slog.String("job_id", job.JobID),
		slog.String("recorder_id", recorder.ID),
		slog.String("room_server_id", roomServer.ID),
		slog.Duration("placement", time.Since(start)),
	)
	d.publishJob(EventRecordingStarted, job)
	return job, nil
}

// StopRecording ends a job. Pending jobs are cancelled without RPC; live
// jobs get best-effort recorder and forwarding stops and always release
// their accounting. Stopping a terminal job is a no-op returning the
// stored outcome.
func (d *Dispatcher) StopRecording(ctx context.Context, jobID string) (*models.RecordingJob, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, models.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	if job.Status == models.JobStatusPending {
		job, err = d.store.Transition(ctx, jobID, models.JobStatusCancelled, jobs.Patch{})
		if err != nil {
			return nil, err
		}
		d.publishJob(EventRecordingCancelled, job)
		return job, nil
	}

	var stopErr error
	if job.RecorderID != "" {
		if recorder, ok := d.registry.GetRecorder(job.RecorderID); ok {
			if err := d.nodes.StopRecording(ctx, recorder.URL, jobID); err != nil {
				stopErr = errors.Join(stopErr, err)
			}
		}
	}
	if roomServer, ok := d.registry.GetRoomServer(job.RoomServerID); ok {
		if err := d.nodes.StopForwarding(ctx, roomServer.URL, jobID); err != nil {
			stopErr = errors.Join(stopErr, err)
		}
	}

	d.releaseAccounting(ctx, job)

	if job.Status == models.JobStatusInitializing && stopErr == nil {
		// Completed is only reachable from recording; a stop that lands
		// mid-placement hops through it.
		job, err = d.store.Transition(ctx, jobID, models.JobStatusRecording, jobs.Patch{})
		if err != nil {
			return nil, err
		}
	}

	if stopErr != nil {
		msg := stopErr.Error()
		job, err = d.store.Transition(ctx, jobID, models.JobStatusFailed, jobs.Patch{
			ErrorMessage: &msg,
		})
		if err != nil {
			return nil, err
		}
		if d.metrics != nil {
			d.metrics.JobsFailed.Inc()
		}
		d.publishJob(EventRecordingFailed, job)
		return job, nil
	}

	job, err = d.store.Transition(ctx, jobID, models.JobStatusCompleted, jobs.Patch{})
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.JobsCompleted.Inc()
	}
	d.publishJob(EventRecordingCompleted, job)
	return job, nil
}

// HandleRecorderEvent processes a callback a recorder posted for a job.
// Events for unknown or terminal jobs are dropped idempotently.
func (d *Dispatcher) HandleRecorderEvent(ctx context.Context, event nodeapi.RecordingEvent) error {
	job := d.activeJob(event.JobID)
	if job == nil {
		d.logger.Debug("dropping recorder event for unknown or terminal job",
			slog.String("job_id", event.JobID),
			slog.String("event", event.Event),
		)
		return nil
	}

	switch event.Event {
	case nodeapi.EventStarted, nodeapi.EventProgress:
		d.logger.Debug("recorder event",
			slog.String("job_id", job.JobID),
			slog.String("event", event.Event),
			slog.Float64("duration_seconds", event.Data.DurationSeconds),
		)
		return nil

	case nodeapi.EventCompleted:
		if job.Status == models.JobStatusInitializing {
			// The completed callback outran our own recording transition.
			var err error
			job, err = d.store.Transition(ctx, job.JobID, models.JobStatusRecording, jobs.Patch{})
			if err != nil {
				return err
			}
		}
		d.releaseAccounting(ctx, job)
		patch := jobs.Patch{
			Metrics: &models.RecordingMetrics{
				DurationSeconds: event.Data.DurationSeconds,
				FileSizeBytes:   event.Data.FileSizeBytes,
				PacketsReceived: event.Data.PacketsReceived,
				PacketsLost:     event.Data.PacketsLost,
			},
		}
		if event.Data.OutputPath != "" {
			patch.OutputPath = &event.Data.OutputPath
		}
		job, err := d.store.Transition(ctx, job.JobID, models.JobStatusCompleted, patch)
		if err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.JobsCompleted.Inc()
		}
		d.publishJob(EventRecordingCompleted, job)
		return nil

	case nodeapi.EventFailed:
		d.releaseAccounting(ctx, job)
		msg := event.Data.Error
		if msg == "" {
			msg = "recorder reported failure"
		}
		job, err := d.store.Transition(ctx, job.JobID, models.JobStatusFailed, jobs.Patch{
			ErrorMessage: &msg,
		})
		if err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.JobsFailed.Inc()
		}
		d.publishJob(EventRecordingFailed, job)
		return nil

	default:
		return fmt.Errorf("unknown recorder event %q for job %s", event.Event, event.JobID)
	}
}

// FailJob moves a job terminal with the given reason and releases its
// accounting. Used by the health loop for jobs with no recovery path.
func (d *Dispatcher) FailJob(ctx context.Context, jobID, reason string) (*models.RecordingJob, error) {
	job := d.activeJob(jobID)
	if job == nil {
		return nil, models.ErrJobNotFound
	}

	d.releaseAccounting(ctx, job)
	job, err := d.store.Transition(ctx, jobID, models.JobStatusFailed, jobs.Patch{
		ErrorMessage: &reason,
	})
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.JobsFailed.Inc()
	}
	d.publishJob(EventRecordingFailed, job)
	return job, nil
}

// RequirementFor builds the placement requirement for a job with the given
// region hint.
func (d *Dispatcher) RequirementFor(job *models.RecordingJob, regionHint string) fleet.Requirement {
	return d.requirementFor(job, regionHint)
}

func (d *Dispatcher) requirementFor(job *models.RecordingJob, regionHint string) fleet.Requirement {
	codecs := make([]string, 0, len(job.RTPStreams))
	seen := make(map[string]struct{}, len(job.RTPStreams))
	load := 0
	for _, s := range job.RTPStreams {
		if s.Kind == models.StreamKindVideo {
			load += 2
		} else {
			load++
		}
		if s.CodecName == "" {
			continue
		}
		if _, ok := seen[s.CodecName]; !ok {
			seen[s.CodecName] = struct{}{}
			codecs = append(codecs, s.CodecName)
		}
	}
	if job.Options.Quality == models.QualityHigh {
		load++
	}

	return fleet.Requirement{
		Region:            regionHint,
		CodecRequirements: codecs,
		EstimatedLoad:     load,
		PreferGPU:         job.Options.Quality == models.QualityHigh && job.Options.IncludeVideo,
	}
}

func (d *Dispatcher) resolveRoomServer(req StartRequest) (*models.RoomServer, error) {
	if req.RoomServerID != "" {
		roomServer, ok := d.registry.GetRoomServer(req.RoomServerID)
		if !ok || !roomServer.IsHealthy {
			return nil, models.ErrNoRoomServer
		}
		return roomServer, nil
	}
	roomServer, ok := d.registry.SelectRoomServer(req.RoomID)
	if !ok {
		return nil, models.ErrNoRoomServer
	}
	return roomServer, nil
}

// activeJob returns the job only while it is active; terminal and unknown
// ids yield nil.
func (d *Dispatcher) activeJob(jobID string) *models.RecordingJob {
	for _, job := range d.store.ListActive(jobs.ActiveFilter{}) {
		if job.JobID == jobID {
			return job
		}
	}
	return nil
}

// releaseAccounting undoes the load increments from Assign. Safe to call
// for jobs that were never assigned.
func (d *Dispatcher) releaseAccounting(ctx context.Context, job *models.RecordingJob) {
	if job.RecorderID == "" {
		return
	}
	d.registry.ReleaseRecorderSlot(ctx, job.RecorderID, job.JobID)
	d.registry.AdjustRoomServerLoad(ctx, job.RoomServerID, -1)
}

func (d *Dispatcher) failAssign(ctx context.Context, job *models.RecordingJob, cause error) (*models.RecordingJob, error) {
	d.logger.Error("placement failed",
		slog.String("job_id", job.JobID),
		slog.String("error", cause.Error()),
	)

	msg := cause.Error()
	failed, err := d.store.Transition(ctx, job.JobID, models.JobStatusFailed, jobs.Patch{
		ErrorMessage: &msg,
	})
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	if d.metrics != nil {
		d.metrics.JobsFailed.Inc()
	}
	d.publishJob(EventRecordingFailed, failed)
	return failed, cause
}

// Rollback RPCs run on a fresh short-lived context: the assign context may
// already be expired, and residual remote state is reconciled by heartbeat
// reflection anyway.

func (d *Dispatcher) releasePorts(recorderURL string, ports []int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.nodes.ReleasePorts(ctx, recorderURL, ports); err != nil {
		d.logger.Warn("rollback: releasing ports", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) stopForwarding(roomServerURL, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.nodes.StopForwarding(ctx, roomServerURL, jobID); err != nil {
		d.logger.Warn("rollback: stopping forwarding", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) stopRecorder(recorderURL, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.nodes.StopRecording(ctx, recorderURL, jobID); err != nil {
		d.logger.Warn("rollback: stopping recorder", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) publishJob(eventType string, job *models.RecordingJob) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.ClassRecordings, eventType, job)
}
