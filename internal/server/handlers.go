package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/metrics"
)

// InferRequest is the body of POST /v1/infer.
type InferRequest struct {
	Features   []float64              `json:"features"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	Thresholds *detector.ThresholdSet `json:"thresholds,omitempty"`
}

// ErrorResponse is returned for every non-2xx status.
type ErrorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type,omitempty"`
	Code      int    `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	ClassifierReady bool   `json:"classifier_ready"`
	AnomalyReady    bool   `json:"anomaly_ready"`
	AnomalyBackend  string `json:"anomaly_backend,omitempty"`
	Capability      string `json:"capability"`
	Timestamp       string `json:"timestamp"`
}

// handleFHIRNotify scores one FHIR AuditEvent.
func (s *Server) handleFHIRNotify(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r) {
		s.writeError(w, r, http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	thresholds, err := s.queryThresholds(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	extracted, err := s.extractor.ExtractJSON(body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	s.detect(w, r, extracted.Features, extracted.Metadata, thresholds, "fhir")
}

// handleInfer scores a raw feature vector.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r) {
		s.writeError(w, r, http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req InferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err), nil)
		return
	}
	if req.Features == nil {
		s.writeError(w, r, http.StatusBadRequest, "features is required", nil)
		return
	}

	s.detect(w, r, req.Features, req.Metadata, req.Thresholds, "api")
}

// detect runs the cache, the model and the alert fan-out for one request.
func (s *Server) detect(w http.ResponseWriter, r *http.Request, features []float64, metadata map[string]any, thresholds *detector.ThresholdSet, source string) {
	requestID := RequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	effective := s.model.Thresholds()
	if thresholds != nil {
		effective = *thresholds
	}

	if res, hit := s.cache.Get(r.Context(), features, effective, metadata); hit {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		s.finish(w, r, res, source, 0)
		return
	} else if s.cache != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	ctx := r.Context()
	if s.config.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.InferenceTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.infer(ctx, features, metadata, thresholds)
	elapsed := time.Since(start)
	if err != nil {
		status := statusFor(err)
		metrics.InferenceErrors.WithLabelValues(errorType(err)).Inc()
		if status >= http.StatusInternalServerError {
			log.Error("Inference failed", zap.Error(err), zap.Duration("duration", elapsed))
		} else {
			log.Debug("Inference rejected", zap.Error(err))
		}
		s.writeError(w, r, status, err.Error(), err)
		return
	}

	if err := s.cache.Put(r.Context(), features, effective, metadata, res); err != nil {
		log.Debug("Result not cached", zap.Error(err))
	}
	s.finish(w, r, res, source, elapsed)
}

type inferOutcome struct {
	res detector.DetectionResult
	err error
}

// infer waits for the model until ctx is done. A call that outlives the
// deadline keeps running to completion in the background; its result is
// dropped.
func (s *Server) infer(ctx context.Context, features []float64, metadata map[string]any, thresholds *detector.ThresholdSet) (detector.DetectionResult, error) {
	done := make(chan inferOutcome, 1)
	go func() {
		res, err := s.model.Infer(ctx, features, metadata, thresholds)
		done <- inferOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return detector.DetectionResult{}, ctx.Err()
	}
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, res detector.DetectionResult, source string, elapsed time.Duration) {
	requestID := RequestID(r.Context())
	metrics.ObserveDetection(res, elapsed)

	if recorded, err := s.recorder.Record(r.Context(), res, requestID, source); err != nil {
		metrics.AlertsRecorded.WithLabelValues("failed").Inc()
		s.logger.WithRequestID(requestID).Warn("Alert recording incomplete", zap.Error(err))
	} else if recorded {
		metrics.AlertsRecorded.WithLabelValues("ok").Inc()
	}
	s.hub.PublishDetection(res, requestID, source)

	writeJSON(w, http.StatusOK, res)
}

// handleHealth reports scorer readiness. The service is "ok" when at least
// one scorer is loaded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.model.Status()
	status := "ok"
	if !st.ClassifierReady && !st.AnomalyReady {
		status = "unavailable"
	} else if !st.ClassifierReady || !st.AnomalyReady {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          status,
		ClassifierReady: st.ClassifierReady,
		AnomalyReady:    st.AnomalyReady,
		AnomalyBackend:  st.AnomalyBackend,
		Capability:      string(s.capability.Capability),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInfo describes the service and the loaded model.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.model.Info()
	resp := map[string]any{
		"name":                   "edge-sentinel",
		"version":                s.version,
		"uptime":                 time.Since(s.started).Round(time.Second).String(),
		"labels":                 info.Labels,
		"normal_label":           info.NormalLabel,
		"raw_feature_count":      info.RawFeatureCount,
		"selected_feature_count": info.SelectedFeatureCount,
		"fusion_weights":         info.FusionWeights,
		"thresholds":             info.Thresholds,
		"capability":             s.capability,
		"status":                 s.model.Status(),
	}
	if s.recorder != nil {
		resp["alerts"] = s.recorder.Stats()
	}
	if s.hub != nil {
		resp["websocket"] = s.hub.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAlerts lists recent alerts: ?limit=&min_severity=&since=<RFC3339>.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.writeError(w, r, http.StatusNotFound, "alert store is not enabled", nil)
		return
	}
	q := alerts.Query{Limit: 100}
	values := r.URL.Query()
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000", nil)
			return
		}
		q.Limit = n
	}
	if v := values.Get("min_severity"); v != "" {
		sev, err := detector.ParseSeverity(v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
			return
		}
		q.MinSeverity = sev
	}
	since, err := parseSince(values.Get("since"), time.Time{})
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	q.Since = since

	list, err := s.alerts.Recent(r.Context(), q)
	if err != nil {
		s.logger.Error("Alert query failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "alert query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

// handleAlertSummary counts alerts per severity, by default over the last 24h.
func (s *Server) handleAlertSummary(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.writeError(w, r, http.StatusNotFound, "alert store is not enabled", nil)
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	counts, err := s.alerts.CountBySeverity(r.Context(), since)
	if err != nil {
		s.logger.Error("Alert summary failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "alert query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since.UTC().Format(time.RFC3339), "counts": counts})
}

func parseSince(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC3339: %w", err)
	}
	return t, nil
}

// queryThresholds reads ?low=&medium=&high=. Missing values fall back to the
// global set; nil means no override was given.
func (s *Server) queryThresholds(r *http.Request) (*detector.ThresholdSet, error) {
	values := r.URL.Query()
	if !values.Has("low") && !values.Has("medium") && !values.Has("high") {
		return nil, nil
	}
	t := s.model.Thresholds()
	for name, dst := range map[string]*float64{"low": &t.Low, "medium": &t.Medium, "high": &t.High} {
		if !values.Has(name) {
			continue
		}
		v, err := strconv.ParseFloat(values.Get(name), 64)
		if err != nil {
			return nil, fmt.Errorf("threshold %s must be a number", name)
		}
		*dst = v
	}
	return &t, nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
		} else {
			s.writeError(w, r, http.StatusBadRequest, "failed to read request body", nil)
		}
		return nil, false
	}
	return body, true
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// statusFor maps detector errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, detector.ErrShape),
		errors.Is(err, detector.ErrShapeMismatch),
		errors.Is(err, detector.ErrInvalidThresholds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, detector.ErrFeature):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorKinds are checked most specific first: a wrong-length vector is both
// a feature error and a shape error.
var errorKinds = []*detector.Error{
	detector.ErrShape,
	detector.ErrShapeMismatch,
	detector.ErrInvalidThresholds,
	detector.ErrFeature,
	detector.ErrInferenceFailure,
	detector.ErrModelLoad,
}

func errorKind(err error) *detector.Error {
	for _, k := range errorKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func errorType(err error) string {
	if k := errorKind(err); k != nil {
		return k.Type
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg, RequestID: RequestID(r.Context())}
	if k := errorKind(err); k != nil {
		resp.Type = k.Type
		resp.Code = k.Code
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
