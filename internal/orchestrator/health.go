package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corralhq/corral/internal/fleet"
	"github.com/corralhq/corral/internal/jobs"
	"github.com/corralhq/corral/internal/models"
)

// HealthLoop reaps silent nodes, fails or reassigns their jobs, and drains
// the pending queue. Ticks are strictly serial: a slow tick delays the
// next rather than overlapping it.
type HealthLoop struct {
	registry   *fleet.Registry
	store      *jobs.Store
	dispatcher *Dispatcher
	logger     *slog.Logger

	interval    time.Duration
	nodeTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthLoop creates a health loop.
func NewHealthLoop(registry *fleet.Registry, store *jobs.Store, dispatcher *Dispatcher, interval, nodeTimeout time.Duration, logger *slog.Logger) *HealthLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthLoop{
		registry:    registry,
		store:       store,
		dispatcher:  dispatcher,
		interval:    interval,
		nodeTimeout: nodeTimeout,
		logger:      logger.With(slog.String("component", "health-loop")),
	}
}

// Start launches the tick goroutine.
func (h *HealthLoop) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.logger.Info("health loop started",
			slog.Duration("interval", h.interval),
			slog.Duration("node_timeout", h.nodeTimeout),
		)

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.Tick(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (h *HealthLoop) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Tick runs one full pass: heartbeat reap, affected-job reconciliation,
// queue drain. Exported so tests and startup can drive it directly.
func (h *HealthLoop) Tick(ctx context.Context) {
	staleServers, staleRecorders := h.registry.ReapStale(ctx, h.nodeTimeout)

	for _, id := range staleServers {
		h.failRoomServerJobs(ctx, id)
	}
	for _, id := range staleRecorders {
		h.reassignRecorderJobs(ctx, id)
	}

	h.drainQueue(ctx)
}

// failRoomServerJobs terminates every live job rooted on a room server
// that went unhealthy. The streams are gone, so there is nothing to
// reassign; recorders get a best-effort stop and capacity is reclaimed.
func (h *HealthLoop) failRoomServerJobs(ctx context.Context, roomServerID string) {
	for _, job := range h.store.ListActive(jobs.ActiveFilter{RoomServerID: roomServerID}) {
		if job.Status != models.JobStatusRecording && job.Status != models.JobStatusInitializing {
			continue
		}

		if job.RecorderID != "" {
			if recorder, ok := h.registry.GetRecorder(job.RecorderID); ok {
				if err := h.dispatcher.nodes.StopRecording(ctx, recorder.URL, job.JobID); err != nil {
					h.logger.Warn("best-effort recorder stop failed",
						slog.String("job_id", job.JobID),
						slog.String("recorder_id", job.RecorderID),
						slog.String("error", err.Error()),
					)
				}
			}
		}

		if _, err := h.dispatcher.FailJob(ctx, job.JobID, "room server became unhealthy"); err != nil {
			h.logger.Error("failing job of unhealthy room server",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reassignRecorderJobs re-places every live job of a recorder that went
// unhealthy, hinting placement with the original room server's region.
// Jobs with no surviving candidate fail terminally.
func (h *HealthLoop) reassignRecorderJobs(ctx context.Context, recorderID string) {
	for _, job := range h.store.ListActive(jobs.ActiveFilter{RecorderID: recorderID}) {
		if job.Status != models.JobStatusRecording && job.Status != models.JobStatusInitializing {
			continue
		}

		roomServer, ok := h.registry.GetRoomServer(job.RoomServerID)
		if !ok || !roomServer.IsHealthy {
			if _, err := h.dispatcher.FailJob(ctx, job.JobID, "room server became unhealthy"); err != nil {
				h.logger.Error("failing orphaned job", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
			}
			continue
		}

		// The dead recorder's slot is reclaimed either way.
		h.registry.ReleaseRecorderSlot(ctx, recorderID, job.JobID)
		h.registry.AdjustRoomServerLoad(ctx, job.RoomServerID, -1)

		requirement := h.dispatcher.RequirementFor(job, roomServer.Region)
		replacement := fleet.SelectRecorder(h.registry.HealthyRecorders(), requirement)
		if replacement == nil {
			if _, err := h.failWithoutRelease(ctx, job.JobID, "no available recorders"); err != nil {
				h.logger.Error("failing unassignable job", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
			}
			continue
		}

		h.logger.Info("reassigning job from unhealthy recorder",
			slog.String("job_id", job.JobID),
			slog.String("from", recorderID),
			slog.String("to", replacement.ID),
		)
		if _, err := h.dispatcher.Assign(ctx, job, replacement, roomServer); err != nil {
			h.logger.Warn("reassignment failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// failWithoutRelease fails a job whose accounting was already reclaimed.
func (h *HealthLoop) failWithoutRelease(ctx context.Context, jobID, reason string) (*models.RecordingJob, error) {
	job, err := h.store.Transition(ctx, jobID, models.JobStatusFailed, jobs.Patch{ErrorMessage: &reason})
	if err != nil {
		return nil, err
	}
	if h.dispatcher.metrics != nil {
		h.dispatcher.metrics.JobsFailed.Inc()
	}
	h.dispatcher.publishJob(EventRecordingFailed, job)
	return job, nil
}

// drainQueue walks the pending queue in drain order and places whatever
// the fleet can take. A tick-local capacity view prevents two queued jobs
// from landing on the same last slot before the registry reflects it.
func (h *HealthLoop) drainQueue(ctx context.Context) {
	if h.store.QueueLength() == 0 {
		return
	}

	// Local clones: Assign updates the registry, but placement here runs
	// against this view so earlier placements in the pass are visible.
	candidates := h.registry.HealthyRecorders()
	byID := make(map[string]*models.RecorderNode, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	for _, job := range h.store.QueueSnapshot() {
		roomServer, ok := h.registry.GetRoomServer(job.RoomServerID)
		if !ok || !roomServer.IsHealthy {
			h.store.Dequeue(job.JobID)
			if _, err := h.dispatcher.FailJob(ctx, job.JobID, "room server became unhealthy"); err != nil {
				h.logger.Error("failing queued job", slog.String("job_id", job.JobID), slog.String("error", err.Error()))
			}
			continue
		}

		requirement := h.dispatcher.RequirementFor(job, roomServer.Region)
		recorder := fleet.SelectRecorder(candidates, requirement)
		if recorder == nil {
			// Highest-priority job first; if it cannot be placed the
			// rest still get a chance on other capacity.
			continue
		}

		if !h.store.Dequeue(job.JobID) {
			continue
		}
		if _, err := h.dispatcher.Assign(ctx, job, recorder, roomServer); err != nil {
			h.logger.Warn("queued job placement failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		byID[recorder.ID].CurrentLoad++
	}
}
