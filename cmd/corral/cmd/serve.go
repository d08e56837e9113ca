package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/database"
	"github.com/corralhq/corral/internal/events"
	"github.com/corralhq/corral/internal/fleet"
	internalhttp "github.com/corralhq/corral/internal/http"
	"github.com/corralhq/corral/internal/http/handlers"
	"github.com/corralhq/corral/internal/httpclient"
	"github.com/corralhq/corral/internal/janitor"
	"github.com/corralhq/corral/internal/jobs"
	"github.com/corralhq/corral/internal/nodeclient"
	"github.com/corralhq/corral/internal/orchestrator"
	"github.com/corralhq/corral/internal/repository"
	"github.com/corralhq/corral/internal/telemetry"
	"github.com/corralhq/corral/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the corral orchestrator",
	Long: `Start the corral orchestrator HTTP server.

The server provides:
- REST API for fleet registration, recording lifecycle, and scaling advisories
- WebSocket push channel for metrics, recording, and scaling events
- Prometheus metrics at /metrics
- Health check endpoint and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Overrides applied on top of the loaded config when explicitly set.
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8085, "Port to listen on")
	serveCmd.Flags().String("database-dsn", "", "Database DSN")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("database-dsn") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database-dsn")
	}

	// The database is for warm restart and history only; a failure here
	// means a cold, memory-only start, not a refusal to serve.
	var (
		roomServerRepo repository.RoomServerRepository
		recorderRepo   repository.RecorderNodeRepository
		jobRepo        repository.JobRepository
		metricsRepo    repository.MetricsRepository
	)
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		logger.Warn("database unavailable, starting memory-only",
			slog.String("error", err.Error()),
		)
		db = nil
	} else if err := db.Migrate(); err != nil {
		logger.Warn("database migration failed, starting memory-only",
			slog.String("error", err.Error()),
		)
		db.Close()
		db = nil
	} else {
		roomServerRepo = repository.NewRoomServerRepository(db.DB)
		recorderRepo = repository.NewRecorderNodeRepository(db.DB)
		jobRepo = repository.NewJobRepository(db.DB)
		metricsRepo = repository.NewMetricsRepository(db.DB)
	}

	registry := fleet.NewRegistry(cfg.Orchestrator.MaxConcurrentPerNode, roomServerRepo, recorderRepo, logger)
	store := jobs.NewStore(jobRepo, logger)

	if db != nil {
		if err := seedFromRepository(registry, store, roomServerRepo, recorderRepo, jobRepo, logger); err != nil {
			logger.Warn("warm restart seed incomplete",
				slog.String("error", err.Error()),
			)
		}
	}

	bus := events.NewBus(logger)
	metrics := telemetry.New()

	nodeHTTPConfig := httpclient.DefaultConfig()
	nodeHTTPConfig.Logger = logger
	nodeHTTPConfig.UserAgent = version.UserAgent()
	nodeHTTP := httpclient.New(nodeHTTPConfig)

	nodes := nodeclient.New(nodeHTTP, nodeclient.Timeouts{
		Allocate: cfg.Orchestrator.AllocateTimeout,
		Setup:    cfg.Orchestrator.SetupTimeout,
		Stop:     cfg.Orchestrator.StopTimeout,
	}, logger)

	dispatcher := orchestrator.NewDispatcher(registry, store, nodes, bus, metrics, cfg.CallbackURL(), logger)
	healthLoop := orchestrator.NewHealthLoop(registry, store, dispatcher,
		cfg.Orchestrator.HealthCheckInterval, cfg.Orchestrator.NodeTimeout, logger)
	aggregator := orchestrator.NewAggregator(registry, store, bus, metricsRepo, metrics,
		cfg.AutoScaling, cfg.Orchestrator.MetricsInterval, logger)
	retention := janitor.New(jobRepo, metricsRepo, cfg.Retention, logger)

	// HTTP server and handlers.
	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	if cfg.Server.ReadTimeout > 0 {
		serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout > 0 {
		serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithNodeClient(nodeHTTP).
		WithFleet(registry, store)
	if db != nil {
		healthHandler = healthHandler.WithDB(db.DB)
	}
	healthHandler.Register(server.API())

	handlers.NewFleetHandler(registry, aggregator, logger).Register(server.API())
	handlers.NewRecordingsHandler(dispatcher, store, jobRepo, logger).Register(server.API())
	handlers.NewScalingHandler(aggregator, logger).Register(server.API())
	handlers.NewWSHandler(bus, logger).Mount(server.Router())
	server.Router().Handle("/metrics", metrics.Handler())

	// Control loops.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthLoop.Start(ctx)
	defer healthLoop.Stop()
	aggregator.Start(ctx)
	defer aggregator.Stop()
	if err := retention.Start(ctx); err != nil {
		return fmt.Errorf("starting retention janitor: %w", err)
	}
	defer retention.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting corral orchestrator",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
		slog.Bool("persistence", db != nil),
	)

	return server.ListenAndServe(ctx)
}

// seedFromRepository restores the last persisted fleet and job state so a
// restart does not lose active recordings. Heartbeats and callbacks
// reconcile anything that changed while the orchestrator was down.
func seedFromRepository(
	registry *fleet.Registry,
	store *jobs.Store,
	roomServerRepo repository.RoomServerRepository,
	recorderRepo repository.RecorderNodeRepository,
	jobRepo repository.JobRepository,
	logger *slog.Logger,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	servers, err := roomServerRepo.LoadHealthy(ctx)
	if err != nil {
		return fmt.Errorf("loading room servers: %w", err)
	}
	recorders, err := recorderRepo.LoadHealthy(ctx)
	if err != nil {
		return fmt.Errorf("loading recorder nodes: %w", err)
	}
	if len(servers) > 0 || len(recorders) > 0 {
		registry.Seed(servers, recorders)
	}

	active, err := jobRepo.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active jobs: %w", err)
	}
	if len(active) > 0 {
		store.Seed(active)
	}

	logger.Info("state restored from repository",
		slog.Int("room_servers", len(servers)),
		slog.Int("recorders", len(recorders)),
		slog.Int("active_jobs", len(active)),
	)
	return nil
}
