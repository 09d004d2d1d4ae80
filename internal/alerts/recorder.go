package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/privacy"
)

// Recorder turns anomalous detections into masked alerts and fans them out
// to every sink. A failing sink does not stop the others.
type Recorder struct {
	enabled     bool
	minSeverity detector.Severity
	masker      *privacy.Detector
	sinks       []Sink
	logger      *zap.Logger
	now         func() time.Time

	recorded atomic.Int64
	failed   atomic.Int64
}

// RecorderStats are cumulative counters.
type RecorderStats struct {
	Recorded int64    `json:"recorded"`
	Failed   int64    `json:"failed"`
	Sinks    []string `json:"sinks"`
}

// NewRecorder builds a recorder. A nil masker leaves metadata unmasked.
func NewRecorder(cfg Config, masker *privacy.Detector, logger *zap.Logger, sinks ...Sink) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	minSev, err := detector.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		return nil, fmt.Errorf("alerts.min_severity: %w", err)
	}
	return &Recorder{
		enabled:     cfg.Enabled,
		minSeverity: minSev,
		masker:      masker,
		sinks:       sinks,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Record writes an alert for res when it is anomalous and at or above the
// minimum severity. It reports whether an alert was produced.
func (r *Recorder) Record(ctx context.Context, res detector.DetectionResult, requestID, source string) (bool, error) {
	if r == nil || !r.enabled || !res.IsAnomalous || res.Severity.Rank() < r.minSeverity.Rank() {
		return false, nil
	}

	a := NewAlert(res, requestID, source, r.now())
	if r.masker != nil {
		a.Meta, _ = r.masker.MaskMetadata(a.Meta)
	}

	var errs []error
	for _, s := range r.sinks {
		if err := s.Write(ctx, a); err != nil {
			r.logger.Warn("Alert sink write failed",
				zap.String("sink", s.Name()),
				zap.String("alert_id", a.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		r.failed.Add(1)
		return true, errors.Join(errs...)
	}
	r.recorded.Add(1)

	r.logger.Info("Anomaly recorded",
		zap.String("alert_id", a.ID),
		zap.String("request_id", requestID),
		zap.String("pred", a.Label),
		zap.String("sev", a.Severity),
		zap.Float64("score", a.Score),
	)
	return true, nil
}

// Stats returns cumulative counters.
func (r *Recorder) Stats() RecorderStats {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return RecorderStats{Recorded: r.recorded.Load(), Failed: r.failed.Load(), Sinks: names}
}

// Close closes every sink.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
