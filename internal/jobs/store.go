// Package jobs owns recording jobs while they are active: an in-memory map
// of live jobs plus the priority-ordered pending queue. Terminal jobs leave
// the store and survive only in the repository.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/corralhq/corral/internal/models"
	"github.com/corralhq/corral/internal/repository"
)

// CreateRequest carries everything needed to construct a pending job.
type CreateRequest struct {
	RoomServerID string
	RoomID       string
	PeerID       string
	PeerInfo     models.PeerInfo
	RTPStreams   []models.RTPStream
	Options      models.RecordingOptions
	Requester    models.RequesterInfo
}

// Patch is the optional field set applied alongside a status transition.
// Nil fields are left untouched.
type Patch struct {
	RecorderID   *string
	Forwarding   *models.RTPForwarding
	RTPStreams   []models.RTPStream
	OutputPath   *string
	ErrorMessage *string
	Metrics      *models.RecordingMetrics
}

// ActiveFilter narrows ListActive. Zero values match all.
type ActiveFilter struct {
	RoomServerID string
	RecorderID   string
	RoomID       string
	Status       models.JobStatus
}

// queueEntry pairs a queued job id with its enqueue instant, which feeds
// the age boost and the FIFO tie-break.
type queueEntry struct {
	jobID      string
	enqueuedAt time.Time
}

// Store is the in-memory authoritative holder of active recording jobs.
type Store struct {
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*models.RecordingJob
	queue  []queueEntry

	repo repository.JobRepository
}

// NewStore creates a job store. The repository may be nil for memory-only
// operation; writes to it are best-effort.
func NewStore(repo repository.JobRepository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger.With(slog.String("component", "job-store")),
		active: make(map[string]*models.RecordingJob),
		repo:   repo,
	}
}

// Create constructs a pending job from the request, registers it as active,
// and persists the initial snapshot.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*models.RecordingJob, error) {
	job := &models.RecordingJob{
		JobID:        models.NewJobID(),
		RoomServerID: req.RoomServerID,
		RoomID:       req.RoomID,
		PeerID:       req.PeerID,
		PeerInfo:     req.PeerInfo,
		RTPStreams:   req.RTPStreams,
		Options:      req.Options,
		Requester:    req.Requester,
		Status:       models.JobStatusPending,
		StartTime:    time.Now(),
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active[job.JobID] = job
	snapshot := cloneJob(job)
	s.mu.Unlock()

	s.logger.Info("job created",
		slog.String("job_id", job.JobID),
		slog.String("room_server_id", job.RoomServerID),
		slog.String("room_id", job.RoomID),
		slog.String("peer_id", job.PeerID),
	)

	s.persist(ctx, snapshot)
	return snapshot, nil
}

// Get returns an active job, falling back to the repository for terminal
// ones. Returns (nil, nil) when the job is unknown everywhere.
func (s *Store) Get(ctx context.Context, id string) (*models.RecordingJob, error) {
	s.mu.RLock()
	job, ok := s.active[id]
	if ok {
		snapshot := cloneJob(job)
		s.mu.RUnlock()
		return snapshot, nil
	}
	s.mu.RUnlock()

	if s.repo == nil {
		return nil, nil
	}
	return s.repo.GetByID(ctx, id)
}

// ListActive returns copies of active jobs matching the filter, oldest
// first.
func (s *Store) ListActive(filter ActiveFilter) []*models.RecordingJob {
	s.mu.RLock()
	var result []*models.RecordingJob
	for _, job := range s.active {
		if filter.RoomServerID != "" && job.RoomServerID != filter.RoomServerID {
			continue
		}
		if filter.RecorderID != "" && job.RecorderID != filter.RecorderID {
			continue
		}
		if filter.RoomID != "" && job.RoomID != filter.RoomID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		result = append(result, cloneJob(job))
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].JobID < result[j].JobID
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// CountActive returns the number of active jobs.
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Enqueue places an active pending job on the queue. Re-enqueueing a queued
// job refreshes nothing; the original enqueue time is kept so the age boost
// keeps accruing.
func (s *Store) Enqueue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.active[id]
	if !ok || job.Status != models.JobStatusPending {
		return false
	}
	for _, e := range s.queue {
		if e.jobID == id {
			return true
		}
	}
	s.queue = append(s.queue, queueEntry{jobID: id, enqueuedAt: time.Now()})

	s.logger.Info("job queued",
		slog.String("job_id", id),
		slog.Int("queue_length", len(s.queue)),
	)
	return true
}

// QueueLength returns the number of queued jobs.
func (s *Store) QueueLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// QueueSnapshot returns copies of queued jobs in drain order: priority
// descending, then enqueue time ascending.
func (s *Store) QueueSnapshot() []*models.RecordingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	entries := s.drainOrder(now)
	result := make([]*models.RecordingJob, 0, len(entries))
	for _, e := range entries {
		if job, ok := s.active[e.jobID]; ok {
			result = append(result, cloneJob(job))
		}
	}
	return result
}

// DequeueFirstMatching removes and returns the first queued job in drain
// order that satisfies the predicate, or nil.
func (s *Store) DequeueFirstMatching(pred func(*models.RecordingJob) bool) *models.RecordingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.drainOrder(time.Now()) {
		job, ok := s.active[e.jobID]
		if !ok {
			s.removeFromQueueLocked(e.jobID)
			continue
		}
		if pred(cloneJob(job)) {
			s.removeFromQueueLocked(e.jobID)
			return cloneJob(job)
		}
	}
	return nil
}

// Dequeue removes a job from the pending queue without touching its active
// entry. Returns false if it was not queued.
func (s *Store) Dequeue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeFromQueueLocked(id)
}

// Remove drops a job from the active map and queue without a transition.
// Used when a create is rolled back before any status change.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	s.removeFromQueueLocked(id)
	return true
}

// Transition moves an active job to a new status, applying the patch
// atomically with the status change. Unlawful moves fail with
// ErrInvalidTransition; unknown jobs with ErrJobNotFound. Terminal statuses
// stamp endTime, evict the job from the store, and drop any queue entry.
// Every transition is persisted and audit-logged.
func (s *Store) Transition(ctx context.Context, id string, next models.JobStatus, patch Patch) (*models.RecordingJob, error) {
	s.mu.Lock()
	job, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return nil, models.ErrJobNotFound
	}

	from := job.Status
	if !from.CanTransitionTo(next) {
		s.mu.Unlock()
		s.logger.Warn("illegal job transition rejected",
			slog.String("job_id", id),
			slog.String("from", string(from)),
			slog.String("to", string(next)),
		)
		return nil, models.ErrInvalidTransition
	}

	job.Status = next
	applyPatch(job, patch)
	if next.IsTerminal() && job.EndTime == nil {
		end := models.Now()
		job.EndTime = &end
	}

	if next.IsTerminal() {
		delete(s.active, id)
		s.removeFromQueueLocked(id)
	}
	snapshot := cloneJob(job)
	s.mu.Unlock()

	attrs := []any{
		slog.String("job_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(next)),
	}
	if snapshot.RecorderID != "" {
		attrs = append(attrs, slog.String("recorder_id", snapshot.RecorderID))
	}
	if snapshot.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", snapshot.ErrorMessage))
	}
	s.logger.Info("job transition", attrs...)

	s.persist(ctx, snapshot)
	return snapshot, nil
}

// Seed loads persisted jobs into the active map without re-persisting.
// Used once at startup for warm restart; terminal rows are ignored. Pending
// jobs are re-queued with a fresh enqueue time.
func (s *Store) Seed(jobs []*models.RecordingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seeded := 0
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		s.active[job.JobID] = cloneJob(job)
		if job.Status == models.JobStatusPending {
			s.queue = append(s.queue, queueEntry{jobID: job.JobID, enqueuedAt: now})
		}
		seeded++
	}

	s.logger.Info("job store seeded from repository",
		slog.Int("jobs", seeded),
		slog.Int("queued", len(s.queue)),
	)
}

// drainOrder returns queue entries sorted by priority descending, enqueue
// time ascending. Caller holds at least the read lock.
func (s *Store) drainOrder(now time.Time) []queueEntry {
	entries := make([]queueEntry, len(s.queue))
	copy(entries, s.queue)

	priority := make(map[string]int, len(entries))
	for _, e := range entries {
		if job, ok := s.active[e.jobID]; ok {
			priority[e.jobID] = job.PriorityAt(e.enqueuedAt, now)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := priority[entries[i].jobID], priority[entries[j].jobID]
		if pi != pj {
			return pi > pj
		}
		return entries[i].enqueuedAt.Before(entries[j].enqueuedAt)
	})
	return entries
}

func (s *Store) removeFromQueueLocked(id string) bool {
	for i, e := range s.queue {
		if e.jobID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) persist(ctx context.Context, job *models.RecordingJob) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Upsert(ctx, job); err != nil {
		s.logger.Warn("persisting job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func applyPatch(job *models.RecordingJob, patch Patch) {
	if patch.RecorderID != nil {
		job.RecorderID = *patch.RecorderID
	}
	if patch.Forwarding != nil {
		job.Forwarding = patch.Forwarding
	}
	if patch.RTPStreams != nil {
		job.RTPStreams = patch.RTPStreams
	}
	if patch.OutputPath != nil {
		job.OutputPath = *patch.OutputPath
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Metrics != nil {
		job.Metrics = patch.Metrics
	}
}

func cloneJob(j *models.RecordingJob) *models.RecordingJob {
	c := *j
	c.RTPStreams = append([]models.RTPStream(nil), j.RTPStreams...)
	c.PeerInfo.Roles = append([]string(nil), j.PeerInfo.Roles...)
	if j.Forwarding != nil {
		f := *j.Forwarding
		f.Ports = append([]int(nil), j.Forwarding.Ports...)
		c.Forwarding = &f
	}
	if j.EndTime != nil {
		end := *j.EndTime
		c.EndTime = &end
	}
	if j.Metrics != nil {
		m := *j.Metrics
		c.Metrics = &m
	}
	return &c
}
