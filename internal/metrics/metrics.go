// Package metrics exposes Prometheus instruments for the detection service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/raaihank/edge-sentinel/internal/detector"
)

var (
	// Detection metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_sentinel_detections_total",
			Help: "Total number of detections by label, severity and pipeline path",
		},
		[]string{"label", "severity", "path"},
	)

	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_sentinel_anomalies_total",
			Help: "Total number of anomalous detections",
		},
		[]string{"severity"},
	)

	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_sentinel_inference_duration_seconds",
			Help:    "End-to-end inference latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"path"},
	)

	InferenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_sentinel_inference_errors_total",
			Help: "Total number of failed inference calls by error type",
		},
		[]string{"type"},
	)

	AnomalyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edge_sentinel_anomaly_score",
			Help:    "Distribution of autoencoder reconstruction error",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_sentinel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_sentinel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_sentinel_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_sentinel_cache_lookups_total",
			Help: "Result cache lookups by outcome",
		},
		[]string{"result"}, // hit or miss
	)

	// Alert metrics
	AlertsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_sentinel_alerts_recorded_total",
			Help: "Alerts written to sinks by outcome",
		},
		[]string{"status"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_sentinel_websocket_clients",
			Help: "Connected websocket subscribers",
		},
	)

	// Model state
	BackendReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_sentinel_backend_ready",
			Help: "1 when the named scorer is loaded",
		},
		[]string{"scorer", "kind"},
	)

	Thresholds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_sentinel_threshold",
			Help: "Active global anomaly score thresholds",
		},
		[]string{"level"},
	)
)

// ObserveDetection records one successful inference.
func ObserveDetection(res detector.DetectionResult, elapsed time.Duration) {
	path, _ := res.Diagnostics["path"].(string)
	DetectionsTotal.WithLabelValues(res.PredictedLabel, string(res.Severity), path).Inc()
	InferenceDuration.WithLabelValues(path).Observe(elapsed.Seconds())
	if res.IsAnomalous {
		AnomaliesTotal.WithLabelValues(string(res.Severity)).Inc()
	}
	if score, ok := res.Diagnostics["anomaly.score"].(float64); ok {
		AnomalyScore.Observe(score)
	}
}

// ObserveHTTP records one served request.
func ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetModelStatus publishes scorer readiness.
func SetModelStatus(st detector.Status) {
	BackendReady.WithLabelValues("classifier", "portable").Set(boolGauge(st.ClassifierReady))
	kind := st.AnomalyBackend
	if kind == "" {
		kind = "none"
	}
	BackendReady.WithLabelValues("anomaly", kind).Set(boolGauge(st.AnomalyReady))
}

// SetThresholds publishes the global threshold set.
func SetThresholds(t detector.ThresholdSet) {
	Thresholds.WithLabelValues("low").Set(t.Low)
	Thresholds.WithLabelValues("medium").Set(t.Medium)
	Thresholds.WithLabelValues("high").Set(t.High)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
