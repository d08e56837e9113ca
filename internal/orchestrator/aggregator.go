package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/events"
	"github.com/corralhq/corral/internal/fleet"
	"github.com/corralhq/corral/internal/jobs"
	"github.com/corralhq/corral/internal/models"
	"github.com/corralhq/corral/internal/repository"
	"github.com/corralhq/corral/internal/telemetry"
)

// Scaling event types published on the scaling class.
const (
	EventScaleUpRecommended   = "scale_up_recommended"
	EventScaleDownRecommended = "scale_down_recommended"
	EventAlertStatusChanged   = "alert_status_changed"
)

// Scaling actions and priorities.
const (
	ActionScaleUp   = "scale_up"
	ActionScaleDown = "scale_down"

	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Alert statuses, most severe first.
const (
	AlertCritical = "critical"
	AlertWarning  = "warning"
	AlertCaution  = "caution"
	AlertHealthy  = "healthy"
)

// Recommendation is an advisory scaling suggestion. Region is empty for
// global (queue-pressure) advisories. The orchestrator never acts on
// these itself.
type Recommendation struct {
	Region   string `json:"region,omitempty"`
	Action   string `json:"action"`
	Priority string `json:"priority"`
	Delta    int    `json:"delta"`
	Reason   string `json:"reason"`
}

// Aggregator produces periodic fleet snapshots, scaling recommendations,
// and the overall alert status.
type Aggregator struct {
	registry *fleet.Registry
	store    *jobs.Store
	bus      *events.Bus
	repo     repository.MetricsRepository
	metrics  *telemetry.Metrics
	cfg      config.AutoScalingConfig
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	latest    *models.MetricsSnapshot
	cooldowns map[string]time.Time
	lastAlert string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates a metrics aggregator. Repo and metrics may be nil.
func NewAggregator(registry *fleet.Registry, store *jobs.Store, bus *events.Bus, repo repository.MetricsRepository, metrics *telemetry.Metrics, cfg config.AutoScalingConfig, interval time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		registry:  registry,
		store:     store,
		bus:       bus,
		repo:      repo,
		metrics:   metrics,
		cfg:       cfg,
		interval:  interval,
		logger:    logger.With(slog.String("component", "metrics-aggregator")),
		cooldowns: make(map[string]time.Time),
		lastAlert: AlertHealthy,
	}
}

// Start launches the tick goroutine.
func (a *Aggregator) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		a.logger.Info("metrics aggregator started", slog.Duration("interval", a.interval))

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				a.Tick(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight tick.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Tick produces one snapshot, publishes it, persists it best-effort, and
// re-evaluates recommendations and the alert status.
func (a *Aggregator) Tick(ctx context.Context) {
	snapshot := a.Snapshot()

	a.mu.Lock()
	a.latest = snapshot
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(events.ClassMetrics, "metrics_snapshot", snapshot)
	}
	if a.repo != nil {
		if err := a.repo.Append(ctx, snapshot); err != nil {
			a.logger.Warn("persisting metrics snapshot", slog.String("error", err.Error()))
		}
	}
	a.exportGauges(snapshot)

	for _, rec := range a.Recommendations() {
		eventType := EventScaleUpRecommended
		if rec.Action == ActionScaleDown {
			eventType = EventScaleDownRecommended
		}
		a.logger.Info("scaling recommendation",
			slog.String("region", rec.Region),
			slog.String("action", rec.Action),
			slog.String("priority", rec.Priority),
			slog.Int("delta", rec.Delta),
			slog.String("reason", rec.Reason),
		)
		if a.bus != nil {
			a.bus.Publish(events.ClassScaling, eventType, rec)
		}
	}

	status := a.AlertStatus()
	a.mu.Lock()
	changed := status != a.lastAlert
	a.lastAlert = status
	a.mu.Unlock()
	if changed {
		a.logger.Info("alert status changed", slog.String("status", status))
		if a.bus != nil {
			a.bus.Publish(events.ClassScaling, EventAlertStatusChanged, map[string]string{"status": status})
		}
	}
}

// Snapshot computes a point-in-time fleet view from the live registries
// and queue.
func (a *Aggregator) Snapshot() *models.MetricsSnapshot {
	roomServers := a.registry.SnapshotRoomServers()
	recorders := a.registry.SnapshotRecorders()

	snapshot := &models.MetricsSnapshot{
		Timestamp:        time.Now(),
		RoomServers:      len(roomServers),
		RecorderNodes:    len(recorders),
		ActiveRecordings: a.store.CountActive() - a.store.QueueLength(),
		QueuedRecordings: a.store.QueueLength(),
		Regional:         make(map[string]models.RegionalStats),
	}

	for _, server := range roomServers {
		stats := snapshot.Regional[server.Region]
		stats.RoomServers++
		snapshot.Regional[server.Region] = stats
	}

	for _, node := range recorders {
		stats := snapshot.Regional[node.Region]
		stats.RecorderNodes++
		if node.IsHealthy {
			snapshot.HealthyRecorders++
			snapshot.TotalCapacity += node.Capacity
			snapshot.TotalLoad += node.CurrentLoad
			stats.Capacity += node.Capacity
			stats.Load += node.CurrentLoad
			stats.ActiveRecordings += len(node.ActiveJobs)
		}
		snapshot.Regional[node.Region] = stats
	}

	for region, stats := range snapshot.Regional {
		if stats.Capacity > 0 {
			stats.AvgLoad = float64(stats.Load) / float64(stats.Capacity) * 100
		}
		snapshot.Regional[region] = stats
	}

	return snapshot
}

// Latest returns the most recent snapshot, computing one if no tick has
// run yet.
func (a *Aggregator) Latest() *models.MetricsSnapshot {
	a.mu.Lock()
	latest := a.latest
	a.mu.Unlock()

	if latest == nil {
		return a.Snapshot()
	}
	return latest
}

// Recommendations derives advisory scaling actions from the latest
// snapshot. A cooldown suppresses repeating the same (region, action)
// advisory until the window elapses.
func (a *Aggregator) Recommendations() []Recommendation {
	snapshot := a.Latest()
	now := time.Now()

	var recs []Recommendation

	for region, stats := range snapshot.Regional {
		if stats.Capacity > 0 && stats.AvgLoad > a.cfg.ScaleUpThreshold {
			priority := PriorityMedium
			delta := 1
			switch {
			case stats.AvgLoad > 90:
				priority = PriorityCritical
				delta = 2
			case stats.AvgLoad > 85:
				priority = PriorityHigh
			}
			if a.cfg.MaxNodes > 0 && stats.RecorderNodes+delta > a.cfg.MaxNodes {
				delta = a.cfg.MaxNodes - stats.RecorderNodes
			}
			if delta > 0 && a.allow(region, ActionScaleUp, now) {
				recs = append(recs, Recommendation{
					Region:   region,
					Action:   ActionScaleUp,
					Priority: priority,
					Delta:    delta,
					Reason:   "regional load above scale-up threshold",
				})
			}
			continue
		}

		if stats.Capacity > 0 && stats.AvgLoad < a.cfg.ScaleDownThreshold && stats.RecorderNodes > a.cfg.MinNodes {
			if a.allow(region, ActionScaleDown, now) {
				recs = append(recs, Recommendation{
					Region:   region,
					Action:   ActionScaleDown,
					Priority: PriorityLow,
					Delta:    -1,
					Reason:   "regional load below scale-down threshold",
				})
			}
		}
	}

	queueThreshold := a.cfg.QueueScaleUpThreshold
	if queueThreshold <= 0 {
		queueThreshold = 10
	}
	if snapshot.QueuedRecordings > queueThreshold && a.allow("", ActionScaleUp, now) {
		recs = append(recs, Recommendation{
			Action:   ActionScaleUp,
			Priority: PriorityHigh,
			Delta:    1,
			Reason:   "pending queue above threshold",
		})
	}

	return recs
}

// AlertStatus classifies overall fleet health, monotone in severity.
func (a *Aggregator) AlertStatus() string {
	snapshot := a.Latest()
	utilization := snapshot.UtilizationPercent()
	unhealthy := snapshot.RecorderNodes - snapshot.HealthyRecorders

	regionalOverload := false
	regionalCritical := false
	for _, stats := range snapshot.Regional {
		if stats.Capacity == 0 {
			continue
		}
		if stats.AvgLoad > a.cfg.ScaleUpThreshold {
			regionalOverload = true
		}
		if stats.AvgLoad > 90 {
			regionalCritical = true
		}
	}

	switch {
	case utilization > 90,
		regionalCritical,
		snapshot.QueuedRecordings > 25,
		snapshot.RecorderNodes > 0 && unhealthy*2 > snapshot.RecorderNodes:
		return AlertCritical
	case utilization > 75,
		snapshot.QueuedRecordings > 10,
		regionalOverload:
		return AlertWarning
	case unhealthy > 0, utilization > 60:
		return AlertCaution
	default:
		return AlertHealthy
	}
}

func (a *Aggregator) exportGauges(snapshot *models.MetricsSnapshot) {
	if a.metrics == nil {
		return
	}
	a.metrics.QueueLength.Set(float64(snapshot.QueuedRecordings))
	a.metrics.ActiveRecordings.Set(float64(snapshot.ActiveRecordings))
	a.metrics.RoomServers.Set(float64(snapshot.RoomServers))
	a.metrics.RecorderNodes.Set(float64(snapshot.RecorderNodes))
	a.metrics.HealthyRecorders.Set(float64(snapshot.HealthyRecorders))
	a.metrics.FleetCapacity.Set(float64(snapshot.TotalCapacity))
	a.metrics.FleetLoad.Set(float64(snapshot.TotalLoad))
}

// allow consults and arms the (region, action) cooldown.
func (a *Aggregator) allow(region, action string, now time.Time) bool {
	if a.cfg.CooldownPeriod <= 0 {
		return true
	}

	key := region + "/" + action
	a.mu.Lock()
	defer a.mu.Unlock()

	if until, ok := a.cooldowns[key]; ok && now.Before(until) {
		return false
	}
	a.cooldowns[key] = now.Add(a.cfg.CooldownPeriod)
	return true
}
