// Package fleet maintains the live view of the recording fleet: the node
// registry (room servers and recorder nodes) and the placement engine that
// picks a recorder for a recording request.
//
// The registry is authoritative while the orchestrator runs; the repository
// rows behind it exist only for warm restart, so persistence failures are
// logged and never fail the caller.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corralhq/corral/internal/models"
	"github.com/corralhq/corral/internal/repository"
	"github.com/corralhq/corral/pkg/bytesize"
)

// Registry is the in-memory authoritative map of fleet nodes.
type Registry struct {
	logger *slog.Logger

	mu          sync.RWMutex
	roomServers map[string]*models.RoomServer
	recorders   map[string]*models.RecorderNode

	maxPerNode int

	roomServerRepo repository.RoomServerRepository
	recorderRepo   repository.RecorderNodeRepository
}

// NewRegistry creates a node registry. Repositories may be nil, in which
// case state is memory-only.
func NewRegistry(maxPerNode int, roomServerRepo repository.RoomServerRepository, recorderRepo repository.RecorderNodeRepository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:         logger.With(slog.String("component", "fleet-registry")),
		roomServers:    make(map[string]*models.RoomServer),
		recorders:      make(map[string]*models.RecorderNode),
		maxPerNode:     maxPerNode,
		roomServerRepo: roomServerRepo,
		recorderRepo:   recorderRepo,
	}
}

// RoomServerDecl is the registration payload for a room server.
type RoomServerDecl struct {
	ID       string
	URL      string
	Region   string
	Rooms    []string
	Capacity int
	Specs    models.HardwareSpecs
	Metadata map[string]string
}

// RecorderDecl is the registration payload for a recorder node. Capacity is
// derived from Specs, never caller-supplied.
type RecorderDecl struct {
	URL             string
	Region          string
	SupportedCodecs []string
	Specs           models.HardwareSpecs
	Metadata        map[string]string
}

// RegisterRoomServer adds a room server or updates a known id in place.
// Re-registration refreshes endpoint, region, rooms, specs, and metadata,
// and revives health.
func (r *Registry) RegisterRoomServer(ctx context.Context, decl RoomServerDecl) (*models.RoomServer, error) {
	now := time.Now()

	server := &models.RoomServer{
		ID:            decl.ID,
		URL:           decl.URL,
		Region:        decl.Region,
		Rooms:         decl.Rooms,
		Capacity:      decl.Capacity,
		IsHealthy:     true,
		LastHeartbeat: now,
		Specs:         decl.Specs,
		Metadata:      decl.Metadata,
	}
	if err := server.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.roomServers[decl.ID]; ok {
		existing.URL = decl.URL
		existing.Region = decl.Region
		existing.Rooms = decl.Rooms
		existing.Capacity = decl.Capacity
		existing.Specs = decl.Specs
		existing.Metadata = decl.Metadata
		existing.IsHealthy = true
		existing.LastHeartbeat = now
		server = existing

		r.logger.Info("room server re-registered",
			slog.String("id", decl.ID),
			slog.String("region", decl.Region),
		)
	} else {
		r.roomServers[decl.ID] = server

		r.logger.Info("room server registered",
			slog.String("id", decl.ID),
			slog.String("region", decl.Region),
			slog.Int("capacity", decl.Capacity),
			slog.Int("rooms", len(decl.Rooms)),
		)
	}
	snapshot := cloneRoomServer(server)
	r.mu.Unlock()

	r.persistRoomServer(ctx, snapshot)
	return snapshot, nil
}

// RegisterRecorder adds a recorder node with a generated identifier and a
// capacity derived from its hardware.
func (r *Registry) RegisterRecorder(ctx context.Context, decl RecorderDecl) (*models.RecorderNode, error) {
	node := &models.RecorderNode{
		ID:              models.NewRecorderID(decl.Region),
		URL:             decl.URL,
		Region:          decl.Region,
		SupportedCodecs: decl.SupportedCodecs,
		ActiveJobs:      []string{},
		Capacity:        models.DeriveRecorderCapacity(decl.Specs, r.maxPerNode),
		IsHealthy:       true,
		LastHeartbeat:   time.Now(),
		Specs:           decl.Specs,
		Metadata:        decl.Metadata,
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.recorders[node.ID] = node
	snapshot := cloneRecorder(node)
	r.mu.Unlock()

	r.logger.Info("recorder node registered",
		slog.String("id", node.ID),
		slog.String("region", node.Region),
		slog.Int("capacity", node.Capacity),
		slog.Int("cores", node.Specs.Cores),
		slog.String("memory", bytesize.Format(bytesize.Size(node.Specs.MemoryBytes))),
		slog.Bool("gpu", node.Specs.HasGPU),
	)

	r.persistRecorder(ctx, snapshot)
	return snapshot, nil
}

// RecordRoomServerHeartbeat refreshes a room server's heartbeat timestamp,
// observed load, and hosted rooms, and asserts health. A heartbeat always
// wins over a prior timeout assertion.
func (r *Registry) RecordRoomServerHeartbeat(ctx context.Context, id string, load int, rooms []string) error {
	r.mu.Lock()
	server, ok := r.roomServers[id]
	if !ok {
		r.mu.Unlock()
		return models.ErrNodeNotFound
	}

	server.LastHeartbeat = time.Now()
	server.CurrentLoad = clampLoad(load, server.Capacity)
	if rooms != nil {
		server.Rooms = rooms
	}
	revived := !server.IsHealthy
	server.IsHealthy = true
	snapshot := cloneRoomServer(server)
	r.mu.Unlock()

	if revived {
		r.logger.Info("room server recovered", slog.String("id", id))
	}

	r.persistRoomServer(ctx, snapshot)
	return nil
}

// RecordRecorderHeartbeat refreshes a recorder's heartbeat timestamp,
// observed load, and active-jobs list, and asserts health. The reported
// load is stored as-is (floored at zero): a recorder claiming more load
// than its derived capacity keeps the true figure, and the availability
// filter suppresses placements until it drops below capacity again.
func (r *Registry) RecordRecorderHeartbeat(ctx context.Context, id string, load int, activeJobs []string) error {
	if load < 0 {
		load = 0
	}

	r.mu.Lock()
	node, ok := r.recorders[id]
	if !ok {
		r.mu.Unlock()
		return models.ErrNodeNotFound
	}

	node.LastHeartbeat = time.Now()
	node.CurrentLoad = load
	if activeJobs != nil {
		node.ActiveJobs = activeJobs
	}
	revived := !node.IsHealthy
	node.IsHealthy = true
	snapshot := cloneRecorder(node)
	r.mu.Unlock()

	if revived {
		r.logger.Info("recorder node recovered", slog.String("id", id))
	}
	if snapshot.Capacity > 0 && load > snapshot.Capacity {
		r.logger.Warn("recorder reporting load above capacity",
			slog.String("id", id),
			slog.Int("load", load),
			slog.Int("capacity", snapshot.Capacity),
		)
	}

	r.persistRecorder(ctx, snapshot)
	return nil
}

// MarkUnhealthy clears a node's health flag without removing it. Returns
// true if the node existed and was healthy before the call.
func (r *Registry) MarkUnhealthy(ctx context.Context, id string) bool {
	r.mu.Lock()

	if server, ok := r.roomServers[id]; ok {
		was := server.IsHealthy
		server.IsHealthy = false
		snapshot := cloneRoomServer(server)
		r.mu.Unlock()
		if was {
			r.logger.Warn("room server marked unhealthy", slog.String("id", id))
			r.persistRoomServer(ctx, snapshot)
		}
		return was
	}

	if node, ok := r.recorders[id]; ok {
		was := node.IsHealthy
		node.IsHealthy = false
		snapshot := cloneRecorder(node)
		r.mu.Unlock()
		if was {
			r.logger.Warn("recorder node marked unhealthy", slog.String("id", id))
			r.persistRecorder(ctx, snapshot)
		}
		return was
	}

	r.mu.Unlock()
	return false
}

// Remove deletes a node from the registry and its persisted row.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()

	if _, ok := r.roomServers[id]; ok {
		delete(r.roomServers, id)
		r.mu.Unlock()
		r.logger.Info("room server removed", slog.String("id", id))
		if r.roomServerRepo != nil {
			if err := r.roomServerRepo.Delete(ctx, id); err != nil {
				r.logger.Warn("deleting room server row", slog.String("id", id), slog.String("error", err.Error()))
			}
		}
		return true
	}

	if _, ok := r.recorders[id]; ok {
		delete(r.recorders, id)
		r.mu.Unlock()
		r.logger.Info("recorder node removed", slog.String("id", id))
		if r.recorderRepo != nil {
			if err := r.recorderRepo.Delete(ctx, id); err != nil {
				r.logger.Warn("deleting recorder node row", slog.String("id", id), slog.String("error", err.Error()))
			}
		}
		return true
	}

	r.mu.Unlock()
	return false
}

// GetRoomServer returns a copy of a room server by id.
func (r *Registry) GetRoomServer(id string) (*models.RoomServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.roomServers[id]
	if !ok {
		return nil, false
	}
	return cloneRoomServer(server), true
}

// GetRecorder returns a copy of a recorder node by id.
func (r *Registry) GetRecorder(id string) (*models.RecorderNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.recorders[id]
	if !ok {
		return nil, false
	}
	return cloneRecorder(node), true
}

// SnapshotRoomServers returns copies of all room servers.
func (r *Registry) SnapshotRoomServers() []*models.RoomServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.RoomServer, 0, len(r.roomServers))
	for _, server := range r.roomServers {
		result = append(result, cloneRoomServer(server))
	}
	return result
}

// SnapshotRecorders returns copies of all recorder nodes.
func (r *Registry) SnapshotRecorders() []*models.RecorderNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.RecorderNode, 0, len(r.recorders))
	for _, node := range r.recorders {
		result = append(result, cloneRecorder(node))
	}
	return result
}

// HealthyRecorders returns copies of all recorders with the health flag set.
func (r *Registry) HealthyRecorders() []*models.RecorderNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.RecorderNode
	for _, node := range r.recorders {
		if node.IsHealthy {
			result = append(result, cloneRecorder(node))
		}
	}
	return result
}

// ListRecordersByRegion returns copies of recorders in a region. An empty
// region matches all.
func (r *Registry) ListRecordersByRegion(region string, healthyOnly bool) []*models.RecorderNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.RecorderNode
	for _, node := range r.recorders {
		if region != "" && node.Region != region {
			continue
		}
		if healthyOnly && !node.IsHealthy {
			continue
		}
		result = append(result, cloneRecorder(node))
	}
	return result
}

// SelectRoomServer resolves a recording request to a room server: the first
// healthy server hosting the room, else the least-loaded healthy server.
func (r *Registry) SelectRoomServer(roomID string) (*models.RoomServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if roomID != "" {
		for _, server := range r.roomServers {
			if server.IsHealthy && server.HostsRoom(roomID) {
				return cloneRoomServer(server), true
			}
		}
	}

	var selected *models.RoomServer
	lowest := 2.0
	for _, server := range r.roomServers {
		if !server.IsHealthy {
			continue
		}
		if ratio := server.LoadRatio(); ratio < lowest {
			lowest = ratio
			selected = server
		}
	}
	if selected == nil {
		return nil, false
	}
	return cloneRoomServer(selected), true
}

// ReserveRecorderSlot increments a recorder's load and records the job on
// its active list. Fails when the recorder is gone, unhealthy, or full.
func (r *Registry) ReserveRecorderSlot(ctx context.Context, recorderID, jobID string) error {
	r.mu.Lock()
	node, ok := r.recorders[recorderID]
	if !ok {
		r.mu.Unlock()
		return models.ErrNodeNotFound
	}
	if !node.IsAvailable() {
		r.mu.Unlock()
		return models.ErrNoRecorderAvailable
	}
	node.CurrentLoad++
	if !node.HasActiveJob(jobID) {
		node.ActiveJobs = append(node.ActiveJobs, jobID)
	}
	snapshot := cloneRecorder(node)
	r.mu.Unlock()

	r.persistRecorder(ctx, snapshot)
	return nil
}

// ReleaseRecorderSlot decrements a recorder's load (clamped at zero) and
// drops the job from its active list. Unknown recorders are ignored.
func (r *Registry) ReleaseRecorderSlot(ctx context.Context, recorderID, jobID string) {
	r.mu.Lock()
	node, ok := r.recorders[recorderID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if node.CurrentLoad > 0 {
		node.CurrentLoad--
	}
	for i, id := range node.ActiveJobs {
		if id == jobID {
			node.ActiveJobs = append(node.ActiveJobs[:i], node.ActiveJobs[i+1:]...)
			break
		}
	}
	snapshot := cloneRecorder(node)
	r.mu.Unlock()

	r.persistRecorder(ctx, snapshot)
}

// AdjustRoomServerLoad applies a load delta to a room server, clamped to
// [0, capacity]. Unknown servers are ignored.
func (r *Registry) AdjustRoomServerLoad(ctx context.Context, id string, delta int) {
	r.mu.Lock()
	server, ok := r.roomServers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	server.CurrentLoad = clampLoad(server.CurrentLoad+delta, server.Capacity)
	snapshot := cloneRoomServer(server)
	r.mu.Unlock()

	r.persistRoomServer(ctx, snapshot)
}

// ReapStale marks every node whose heartbeat is older than timeout as
// unhealthy and returns the ids that changed state this call, room servers
// and recorders separately. Already-unhealthy nodes are not reported again.
func (r *Registry) ReapStale(ctx context.Context, timeout time.Duration) (roomServers, recorders []string) {
	now := time.Now()

	r.mu.Lock()
	var dirtyServers []*models.RoomServer
	var dirtyRecorders []*models.RecorderNode

	for id, server := range r.roomServers {
		if server.IsHealthy && now.Sub(server.LastHeartbeat) > timeout {
			server.IsHealthy = false
			roomServers = append(roomServers, id)
			dirtyServers = append(dirtyServers, cloneRoomServer(server))
		}
	}
	for id, node := range r.recorders {
		if node.IsHealthy && now.Sub(node.LastHeartbeat) > timeout {
			node.IsHealthy = false
			recorders = append(recorders, id)
			dirtyRecorders = append(dirtyRecorders, cloneRecorder(node))
		}
	}
	r.mu.Unlock()

	for _, server := range dirtyServers {
		r.logger.Warn("room server heartbeat stale",
			slog.String("id", server.ID),
			slog.Duration("since_heartbeat", now.Sub(server.LastHeartbeat)),
		)
		r.persistRoomServer(ctx, server)
	}
	for _, node := range dirtyRecorders {
		r.logger.Warn("recorder heartbeat stale",
			slog.String("id", node.ID),
			slog.Duration("since_heartbeat", now.Sub(node.LastHeartbeat)),
		)
		r.persistRecorder(ctx, node)
	}
	return roomServers, recorders
}

// Seed loads persisted nodes into the registry without touching the
// repository. Used once at startup for warm restart.
func (r *Registry) Seed(roomServers []*models.RoomServer, recorders []*models.RecorderNode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, server := range roomServers {
		r.roomServers[server.ID] = cloneRoomServer(server)
	}
	for _, node := range recorders {
		if node.ActiveJobs == nil {
			node.ActiveJobs = []string{}
		}
		r.recorders[node.ID] = cloneRecorder(node)
	}

	r.logger.Info("registry seeded from repository",
		slog.Int("room_servers", len(roomServers)),
		slog.Int("recorders", len(recorders)),
	)
}

// Counts returns registry totals: room servers, recorders, healthy recorders.
func (r *Registry) Counts() (roomServers, recorders, healthyRecorders int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.recorders {
		if node.IsHealthy {
			healthyRecorders++
		}
	}
	return len(r.roomServers), len(r.recorders), healthyRecorders
}

func (r *Registry) persistRoomServer(ctx context.Context, server *models.RoomServer) {
	if r.roomServerRepo == nil {
		return
	}
	if err := r.roomServerRepo.Upsert(ctx, server); err != nil {
		r.logger.Warn("persisting room server",
			slog.String("id", server.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) persistRecorder(ctx context.Context, node *models.RecorderNode) {
	if r.recorderRepo == nil {
		return
	}
	if err := r.recorderRepo.Upsert(ctx, node); err != nil {
		r.logger.Warn("persisting recorder node",
			slog.String("id", node.ID),
			slog.String("error", err.Error()),
		)
	}
}

func clampLoad(load, capacity int) int {
	if load < 0 {
		return 0
	}
	if capacity > 0 && load > capacity {
		return capacity
	}
	return load
}

func cloneRoomServer(s *models.RoomServer) *models.RoomServer {
	c := *s
	c.Rooms = append([]string(nil), s.Rooms...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneRecorder(n *models.RecorderNode) *models.RecorderNode {
	c := *n
	c.SupportedCodecs = append([]string(nil), n.SupportedCodecs...)
	c.ActiveJobs = append([]string(nil), n.ActiveJobs...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
