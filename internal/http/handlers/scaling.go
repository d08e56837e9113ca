package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/corralhq/corral/internal/orchestrator"
)

// ScalingHandler serves the scaling advisory API.
type ScalingHandler struct {
	aggregator *orchestrator.Aggregator
	logger     *slog.Logger
}

// NewScalingHandler creates a scaling handler.
func NewScalingHandler(aggregator *orchestrator.Aggregator, logger *slog.Logger) *ScalingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScalingHandler{
		aggregator: aggregator,
		logger:     logger,
	}
}

// Register registers the scaling routes with the API.
func (h *ScalingHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getScalingRecommendations",
		Method:      "GET",
		Path:        "/api/v1/scaling/recommendations",
		Summary:     "Scaling recommendations",
		Description: "Returns the current scale-up/scale-down advisories, per region and global",
		Tags:        []string{"Scaling"},
	}, h.Recommendations)

	huma.Register(api, huma.Operation{
		OperationID: "getScalingAlerts",
		Method:      "GET",
		Path:        "/api/v1/scaling/alerts",
		Summary:     "Fleet alert status",
		Description: "Returns the fleet-wide alert tier derived from the latest snapshot",
		Tags:        []string{"Scaling"},
	}, h.Alerts)
}

// RecommendationsInput is empty.
type RecommendationsInput struct{}

// RecommendationsOutput wraps the advisory list.
type RecommendationsOutput struct {
	Body Envelope[[]orchestrator.Recommendation]
}

// Recommendations returns the current scaling advisories.
func (h *ScalingHandler) Recommendations(ctx context.Context, input *RecommendationsInput) (*RecommendationsOutput, error) {
	recs := h.aggregator.Recommendations()
	if recs == nil {
		recs = []orchestrator.Recommendation{}
	}
	return &RecommendationsOutput{Body: wrap(recs)}, nil
}

// AlertsInput is empty.
type AlertsInput struct{}

// AlertStatusView is the alert endpoint payload.
type AlertStatusView struct {
	Status             string  `json:"status" enum:"healthy,caution,warning,critical"`
	UtilizationPercent float64 `json:"utilization_percent"`
	QueuedRecordings   int     `json:"queued_recordings"`
	HealthyRecorders   int     `json:"healthy_recorders"`
	RecorderNodes      int     `json:"recorder_nodes"`
}

// AlertsOutput wraps the alert status.
type AlertsOutput struct {
	Body Envelope[AlertStatusView]
}

// Alerts returns the fleet-wide alert tier with the figures behind it.
func (h *ScalingHandler) Alerts(ctx context.Context, input *AlertsInput) (*AlertsOutput, error) {
	snap := h.aggregator.Latest()
	view := AlertStatusView{
		Status:             h.aggregator.AlertStatus(),
		UtilizationPercent: snap.UtilizationPercent(),
		QueuedRecordings:   snap.QueuedRecordings,
		HealthyRecorders:   snap.HealthyRecorders,
		RecorderNodes:      snap.RecorderNodes,
	}
	return &AlertsOutput{Body: wrap(view)}, nil
}
