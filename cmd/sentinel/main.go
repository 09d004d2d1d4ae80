package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/artifacts"
	"github.com/raaihank/edge-sentinel/internal/cache"
	"github.com/raaihank/edge-sentinel/internal/config"
	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/inference"
	"github.com/raaihank/edge-sentinel/internal/logger"
	"github.com/raaihank/edge-sentinel/internal/metrics"
	"github.com/raaihank/edge-sentinel/internal/privacy"
	"github.com/raaihank/edge-sentinel/internal/security"
	"github.com/raaihank/edge-sentinel/internal/server"
	"github.com/raaihank/edge-sentinel/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

const statusInterval = 30 * time.Second

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		healthURL   = flag.String("health-url", "http://localhost:8080/health", "Endpoint used by -health-check")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("edge-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck(*healthURL)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "edge-sentinel: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := manager.Config()

	log, err := logger.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	log.Info("Starting edge-sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("config_file", manager.ConfigFile()),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Inference runtime and model
	rt, err := inference.NewRuntime(cfg.Model.Runtime, log.WithComponent("inference").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize inference runtime: %w", err)
	}
	defer rt.Close()

	store := artifacts.NewDirStore(cfg.Model.ArtifactDir, cfg.Model.Artifacts)
	model, err := detector.Load(cfg.Model, store, rt, log.WithComponent("detector").Logger)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	defer model.Close()

	status := model.Status()
	metrics.SetModelStatus(status)
	metrics.SetThresholds(model.Thresholds())

	// Alert sinks
	var sinks []alerts.Sink
	if cfg.Alerts.File.Enabled {
		fileSink, err := alerts.NewFileSink(cfg.Alerts.File)
		if err != nil {
			return fmt.Errorf("failed to open alert log: %w", err)
		}
		sinks = append(sinks, fileSink)
	}

	var alertStore server.AlertQuerier
	if cfg.Store.Enabled {
		sqlStore, err := alerts.OpenStore(ctx, cfg.Store, log.WithComponent("store").Logger)
		if err != nil {
			return fmt.Errorf("failed to open alert store: %w", err)
		}
		sinks = append(sinks, sqlStore)
		alertStore = sqlStore
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.WebSocket, log.WithComponent("websocket").Logger)
		go hub.Run(ctx)
		sinks = append(sinks, hub)
		go publishStatus(ctx, hub, model)
	}

	masker, err := privacy.New(cfg.Alerts.Masking, log.WithComponent("privacy").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize alert masking: %w", err)
	}
	recorder, err := alerts.NewRecorder(cfg.Alerts, masker, log.WithComponent("alerts").Logger, sinks...)
	if err != nil {
		return fmt.Errorf("failed to initialize alert recorder: %w", err)
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Warn("Failed to close alert sinks", zap.Error(err))
		}
	}()

	// Result cache is optional: the service runs without Redis.
	var resultCache *cache.ResultCache
	if cfg.Cache.Enabled {
		resultCache, err = cache.NewResultCache(cfg.CacheConfig(), log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Result cache disabled", zap.Error(err))
			resultCache = nil
		} else {
			defer resultCache.Close()
		}
	}

	var limiter *security.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = security.NewRateLimiter(cfg.RateLimit)
		go limiter.StartCleanupRoutine(ctx, 0)
	}

	srv, err := server.New(server.Options{
		Config:     cfg.ServerConfig(),
		Model:      model,
		Capability: rt.Capability(),
		Recorder:   recorder,
		Alerts:     alertStore,
		Cache:      resultCache,
		Hub:        hub,
		Limiter:    limiter,
		Logger:     log,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	configLog := log.WithComponent("config").Logger
	manager.Watch(configLog, config.ApplyThresholds(model, configLog))

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests 30 seconds to complete
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	cancel()

	log.Info("Server shutdown complete")
	return nil
}

func publishStatus(ctx context.Context, hub *websocket.Hub, model *detector.HybridModel) {
	started := time.Now()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := model.Status()
			metrics.SetModelStatus(st)
			hub.PublishStatus(st, started)
		}
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(url string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
