// Package server exposes the detector over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/cache"
	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/features"
	"github.com/raaihank/edge-sentinel/internal/inference"
	"github.com/raaihank/edge-sentinel/internal/logger"
	"github.com/raaihank/edge-sentinel/internal/security"
	"github.com/raaihank/edge-sentinel/internal/web"
	"github.com/raaihank/edge-sentinel/internal/websocket"
)

// Model is the detector surface the server depends on.
type Model interface {
	Infer(ctx context.Context, features []float64, metadata map[string]any, thresholds *detector.ThresholdSet) (detector.DetectionResult, error)
	Thresholds() detector.ThresholdSet
	Status() detector.Status
	Info() detector.Info
}

// AlertQuerier reads recorded alerts.
type AlertQuerier interface {
	Recent(ctx context.Context, q alerts.Query) ([]alerts.Alert, error)
	CountBySeverity(ctx context.Context, since time.Time) (map[string]int64, error)
}

// Config contains HTTP server configuration
type Config struct {
	Port             int           `yaml:"port" mapstructure:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	InferenceTimeout time.Duration `yaml:"inference_timeout" mapstructure:"inference_timeout"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	Dashboard        bool          `yaml:"dashboard" mapstructure:"dashboard"`
	// MetricsPath serves Prometheus metrics; empty disables the route.
	MetricsPath      string        `yaml:"-" mapstructure:"-"`
	CORS             CORSConfig    `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin access for dashboard clients.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled" mapstructure:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials" mapstructure:"allow_credentials"`
}

// DefaultConfig listens on 8080.
func DefaultConfig() Config {
	return Config{
		Port:             8080,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      60 * time.Second,
		InferenceTimeout: 2 * time.Second,
		MaxBodyBytes:     1 << 20,
		Dashboard:        true,
		MetricsPath:      "/metrics",
		CORS: CORSConfig{
			Enabled:        false,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Options carries the server's collaborators. Only Model and Logger are
// required; nil optional collaborators switch their feature off.
type Options struct {
	Config     Config
	Model      Model
	Capability inference.CapabilityReport
	Extractor  *features.Extractor
	Recorder   *alerts.Recorder
	Alerts     AlertQuerier
	Cache      *cache.ResultCache
	Hub        *websocket.Hub
	Limiter    *security.RateLimiter
	Logger     *logger.Logger
	Version    string
}

// Server represents the HTTP detection service
type Server struct {
	config     Config
	model      Model
	capability inference.CapabilityReport
	extractor  *features.Extractor
	recorder   *alerts.Recorder
	alerts     AlertQuerier
	cache      *cache.ResultCache
	hub        *websocket.Hub
	limiter    *security.RateLimiter
	logger     *logger.Logger
	version    string
	started    time.Time

	router *mux.Router
	server *http.Server
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Model == nil {
		return nil, errors.New("server requires a model")
	}
	if opts.Logger == nil {
		return nil, errors.New("server requires a logger")
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = features.NewExtractor(opts.Model.Info().RawFeatureCount)
	}
	if opts.Config.MaxBodyBytes <= 0 {
		opts.Config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		config:     opts.Config,
		model:      opts.Model,
		capability: opts.Capability,
		extractor:  extractor,
		recorder:   opts.Recorder,
		alerts:     opts.Alerts,
		cache:      opts.Cache,
		hub:        opts.Hub,
		limiter:    opts.Limiter,
		logger:     opts.Logger.WithComponent("server"),
		version:    opts.Version,
		started:    time.Now(),
		router:     mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	if s.config.MetricsPath != "" {
		s.router.Handle(s.config.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/fhir/notify", s.handleFHIRNotify).Methods(http.MethodPost)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/infer", s.handleInfer).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/summary", s.handleAlertSummary).Methods(http.MethodGet)

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.HandleWebSocket).Methods(http.MethodGet)
	}
	if s.config.Dashboard {
		s.router.HandleFunc("/", web.ServeDashboard).Methods(http.MethodGet)
		s.router.HandleFunc("/dashboard", web.ServeDashboard).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler wrapped with CORS when enabled.
func (s *Server) Handler() http.Handler {
	if !s.config.CORS.Enabled {
		return s.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: s.config.CORS.AllowCredentials,
	})
	return c.Handler(s.router)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	st := s.model.Status()
	s.logger.Info("Starting edge-sentinel server",
		zap.Int("port", s.config.Port),
		zap.String("version", s.version),
		zap.String("capability", string(s.capability.Capability)),
		zap.Bool("classifier_ready", st.ClassifierReady),
		zap.Bool("anomaly_ready", st.AnomalyReady),
		zap.String("anomaly_backend", st.AnomalyBackend),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping edge-sentinel server")
	return s.server.Shutdown(ctx)
}
