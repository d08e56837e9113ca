package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/corralhq/corral/internal/fleet"
	"github.com/corralhq/corral/internal/models"
	"github.com/corralhq/corral/internal/orchestrator"
)

// FleetHandler serves node registration, heartbeats, and the fleet views.
type FleetHandler struct {
	registry   *fleet.Registry
	aggregator *orchestrator.Aggregator
	logger     *slog.Logger
}

// NewFleetHandler creates a fleet handler.
func NewFleetHandler(registry *fleet.Registry, aggregator *orchestrator.Aggregator, logger *slog.Logger) *FleetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FleetHandler{
		registry:   registry,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Register registers the fleet routes with the API.
func (h *FleetHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "registerRoomServer",
		Method:      "POST",
		Path:        "/api/v1/fleet/room-servers",
		Summary:     "Register room server",
		Description: "Registers a room server under its caller-supplied id, or refreshes a known one",
		Tags:        []string{"Fleet"},
	}, h.RegisterRoomServer)

	huma.Register(api, huma.Operation{
		OperationID: "registerRecorder",
		Method:      "POST",
		Path:        "/api/v1/fleet/recorders",
		Summary:     "Register recorder node",
		Description: "Registers a recorder node; the id is generated and capacity derived from hardware",
		Tags:        []string{"Fleet"},
	}, h.RegisterRecorder)

	huma.Register(api, huma.Operation{
		OperationID: "roomServerHeartbeat",
		Method:      "POST",
		Path:        "/api/v1/fleet/room-servers/{id}/heartbeat",
		Summary:     "Room server heartbeat",
		Tags:        []string{"Fleet"},
	}, h.RoomServerHeartbeat)

	huma.Register(api, huma.Operation{
		OperationID: "recorderHeartbeat",
		Method:      "POST",
		Path:        "/api/v1/fleet/recorders/{id}/heartbeat",
		Summary:     "Recorder heartbeat",
		Tags:        []string{"Fleet"},
	}, h.RecorderHeartbeat)

	huma.Register(api, huma.Operation{
		OperationID: "listFleet",
		Method:      "GET",
		Path:        "/api/v1/fleet",
		Summary:     "Fleet snapshot",
		Description: "Returns all known room servers and recorder nodes",
		Tags:        []string{"Fleet"},
	}, h.ListFleet)

	huma.Register(api, huma.Operation{
		OperationID: "removeNode",
		Method:      "DELETE",
		Path:        "/api/v1/fleet/nodes/{id}",
		Summary:     "Remove node",
		Description: "Removes a room server or recorder node from the fleet",
		Tags:        []string{"Fleet"},
	}, h.RemoveNode)

	huma.Register(api, huma.Operation{
		OperationID: "getFleetCapacity",
		Method:      "GET",
		Path:        "/api/v1/fleet/capacity",
		Summary:     "Fleet capacity",
		Description: "Returns the capacity roll-up, total and per region",
		Tags:        []string{"Fleet"},
	}, h.Capacity)
}

// RegisterRoomServerInput is the room server registration payload.
type RegisterRoomServerInput struct {
	Body struct {
		ID       string               `json:"id" doc:"Caller-supplied stable identifier"`
		URL      string               `json:"url" doc:"Reachable endpoint URL"`
		Region   string               `json:"region,omitempty"`
		Rooms    []string             `json:"rooms,omitempty"`
		Capacity int                  `json:"capacity,omitempty"`
		Specs    models.HardwareSpecs `json:"specs,omitempty"`
		Metadata map[string]string    `json:"metadata,omitempty"`
	}
}

// RegisterRoomServerOutput wraps the registered room server.
type RegisterRoomServerOutput struct {
	Body Envelope[*models.RoomServer]
}

// RegisterRoomServer registers or refreshes a room server.
func (h *FleetHandler) RegisterRoomServer(ctx context.Context, input *RegisterRoomServerInput) (*RegisterRoomServerOutput, error) {
	server, err := h.registry.RegisterRoomServer(ctx, fleet.RoomServerDecl{
		ID:       input.Body.ID,
		URL:      input.Body.URL,
		Region:   input.Body.Region,
		Rooms:    input.Body.Rooms,
		Capacity: input.Body.Capacity,
		Specs:    input.Body.Specs,
		Metadata: input.Body.Metadata,
	})
	if err != nil {
		if errors.Is(err, models.ErrRoomServerIDRequired) || errors.Is(err, models.ErrEndpointRequired) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, huma.Error500InternalServerError("registering room server", err)
	}

	return &RegisterRoomServerOutput{Body: wrap(server)}, nil
}

// RegisterRecorderInput is the recorder registration payload.
type RegisterRecorderInput struct {
	Body struct {
		URL             string               `json:"url" doc:"Reachable endpoint URL"`
		Region          string               `json:"region,omitempty"`
		SupportedCodecs []string             `json:"supported_codecs,omitempty"`
		Specs           models.HardwareSpecs `json:"specs" doc:"Hardware descriptor; capacity is derived from it"`
		Metadata        map[string]string    `json:"metadata,omitempty"`
	}
}

// RegisterRecorderOutput wraps the registered recorder including its
// generated id and derived capacity.
type RegisterRecorderOutput struct {
	Body Envelope[*models.RecorderNode]
}

// RegisterRecorder registers a recorder node.
func (h *FleetHandler) RegisterRecorder(ctx context.Context, input *RegisterRecorderInput) (*RegisterRecorderOutput, error) {
	node, err := h.registry.RegisterRecorder(ctx, fleet.RecorderDecl{
		URL:             input.Body.URL,
		Region:          input.Body.Region,
		SupportedCodecs: input.Body.SupportedCodecs,
		Specs:           input.Body.Specs,
		Metadata:        input.Body.Metadata,
	})
	if err != nil {
		if errors.Is(err, models.ErrEndpointRequired) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, huma.Error500InternalServerError("registering recorder", err)
	}

	return &RegisterRecorderOutput{Body: wrap(node)}, nil
}

// RoomServerHeartbeatInput is a room server heartbeat.
type RoomServerHeartbeatInput struct {
	ID   string `path:"id"`
	Body struct {
		CurrentLoad int      `json:"current_load"`
		Rooms       []string `json:"rooms,omitempty" doc:"Hosted rooms; omit to keep the last reported set"`
	}
}

// HeartbeatOutput acknowledges a heartbeat.
type HeartbeatOutput struct {
	Body Envelope[struct {
		Acknowledged bool `json:"acknowledged"`
	}]
}

func heartbeatAck() *HeartbeatOutput {
	out := &HeartbeatOutput{}
	out.Body.Success = true
	out.Body.Data.Acknowledged = true
	return out
}

// RoomServerHeartbeat refreshes a room server's liveness and load.
func (h *FleetHandler) RoomServerHeartbeat(ctx context.Context, input *RoomServerHeartbeatInput) (*HeartbeatOutput, error) {
	err := h.registry.RecordRoomServerHeartbeat(ctx, input.ID, input.Body.CurrentLoad, input.Body.Rooms)
	if err != nil {
		if errors.Is(err, models.ErrNodeNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("room server %s not registered", input.ID))
		}
		return nil, huma.Error500InternalServerError("recording heartbeat", err)
	}
	return heartbeatAck(), nil
}

// RecorderHeartbeatInput is a recorder heartbeat.
type RecorderHeartbeatInput struct {
	ID   string `path:"id"`
	Body struct {
		CurrentLoad int      `json:"current_load"`
		ActiveJobs  []string `json:"active_jobs,omitempty" doc:"Active job ids; omit to keep the last reported set"`
	}
}

// RecorderHeartbeat refreshes a recorder's liveness and load.
func (h *FleetHandler) RecorderHeartbeat(ctx context.Context, input *RecorderHeartbeatInput) (*HeartbeatOutput, error) {
	err := h.registry.RecordRecorderHeartbeat(ctx, input.ID, input.Body.CurrentLoad, input.Body.ActiveJobs)
	if err != nil {
		if errors.Is(err, models.ErrNodeNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("recorder %s not registered", input.ID))
		}
		return nil, huma.Error500InternalServerError("recording heartbeat", err)
	}
	return heartbeatAck(), nil
}

// ListFleetInput filters the fleet snapshot.
type ListFleetInput struct {
	Region      string `query:"region" doc:"Only nodes in this region"`
	HealthyOnly bool   `query:"healthy_only" doc:"Only nodes currently passing heartbeats"`
}

// ListFleetOutput wraps the fleet snapshot.
type ListFleetOutput struct {
	Body Envelope[FleetSnapshot]
}

// ListFleet returns the current fleet, optionally filtered.
func (h *FleetHandler) ListFleet(ctx context.Context, input *ListFleetInput) (*ListFleetOutput, error) {
	snapshot := FleetSnapshot{
		RoomServers: make([]*models.RoomServer, 0),
		Recorders:   make([]*models.RecorderNode, 0),
	}

	for _, server := range h.registry.SnapshotRoomServers() {
		if input.Region != "" && server.Region != input.Region {
			continue
		}
		if input.HealthyOnly && !server.IsHealthy {
			continue
		}
		snapshot.RoomServers = append(snapshot.RoomServers, server)
	}
	for _, node := range h.registry.SnapshotRecorders() {
		if input.Region != "" && node.Region != input.Region {
			continue
		}
		if input.HealthyOnly && !node.IsHealthy {
			continue
		}
		snapshot.Recorders = append(snapshot.Recorders, node)
	}

	return &ListFleetOutput{Body: wrap(snapshot)}, nil
}

// RemoveNodeInput identifies a node to remove.
type RemoveNodeInput struct {
	ID string `path:"id"`
}

// RemoveNodeOutput acknowledges the removal.
type RemoveNodeOutput struct {
	Body Envelope[struct {
		Removed bool `json:"removed"`
	}]
}

// RemoveNode removes a node of either kind from the fleet.
func (h *FleetHandler) RemoveNode(ctx context.Context, input *RemoveNodeInput) (*RemoveNodeOutput, error) {
	if !h.registry.Remove(ctx, input.ID) {
		return nil, huma.Error404NotFound(fmt.Sprintf("node %s not registered", input.ID))
	}

	h.logger.Info("node removed via API", slog.String("id", input.ID))
	out := &RemoveNodeOutput{}
	out.Body.Success = true
	out.Body.Data.Removed = true
	return out, nil
}

// CapacityInput is empty.
type CapacityInput struct{}

// CapacityOutput wraps the capacity view.
type CapacityOutput struct {
	Body Envelope[CapacityView]
}

// Capacity returns the fleet capacity roll-up from the latest snapshot.
func (h *FleetHandler) Capacity(ctx context.Context, input *CapacityInput) (*CapacityOutput, error) {
	snap := h.aggregator.Latest()

	view := CapacityView{
		TotalCapacity:      snap.TotalCapacity,
		TotalLoad:          snap.TotalLoad,
		UtilizationPercent: snap.UtilizationPercent(),
		HealthyRecorders:   snap.HealthyRecorders,
		QueuedRecordings:   snap.QueuedRecordings,
		Regional:           make(map[string]RegionCapacity, len(snap.Regional)),
	}
	for region, stats := range snap.Regional {
		view.Regional[region] = RegionCapacity{
			RoomServers:      stats.RoomServers,
			RecorderNodes:    stats.RecorderNodes,
			ActiveRecordings: stats.ActiveRecordings,
			Capacity:         stats.Capacity,
			Load:             stats.Load,
			AvgLoad:          stats.AvgLoad,
		}
	}

	return &CapacityOutput{Body: wrap(view)}, nil
}
