package replay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/features"
)

// fakeScorer flags vectors whose first value is >= 0.5, rejects vectors that
// are not three wide and fails on negative first values.
type fakeScorer struct {
	calls atomic.Int64
}

func (f *fakeScorer) Infer(_ context.Context, x []float64, meta map[string]any, _ *detector.ThresholdSet) (detector.DetectionResult, error) {
	f.calls.Add(1)
	switch {
	case len(x) != 3:
		return detector.DetectionResult{}, fmt.Errorf("%w: got %d values", detector.ErrFeature, len(x))
	case x[0] < 0:
		return detector.DetectionResult{}, errors.New("backend exploded")
	case x[0] >= 0.5:
		return detector.DetectionResult{PredictedLabel: "DDoS", Severity: detector.SeverityHigh, IsAnomalous: true, Metadata: meta}, nil
	default:
		return detector.DetectionResult{PredictedLabel: "Normal", Severity: detector.SeverityLow, Metadata: meta}, nil
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	ids     []string
	sources []string
	metas   []map[string]any
}

func (f *fakeRecorder) Record(_ context.Context, res detector.DetectionResult, requestID, source string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, requestID)
	f.sources = append(f.sources, source)
	f.metas = append(f.metas, res.Metadata)
	return true, nil
}

func newPipeline(t *testing.T, cfg Config, rec Recorder) (*Pipeline, *fakeScorer) {
	t.Helper()
	scorer := &fakeScorer{}
	p, err := NewPipeline(scorer, rec, features.NewExtractor(3), cfg, zap.NewNop())
	require.NoError(t, err)
	return p, scorer
}

const csvInput = `id,f1,f2,f3,label
a,0.9,0,0,DDoS
b,0.1,0,0,Normal
c,x,0,0,Normal
d,-1,0,0,
e,0.7,1,1,Normal
f,0.2,0
`

func TestProcessReaderCSV(t *testing.T) {
	t.Run("Counts", func(t *testing.T) {
		rec := &fakeRecorder{}
		p, _ := newPipeline(t, DefaultConfig(), rec)

		res, err := p.ProcessReader(context.Background(), strings.NewReader(csvInput), FormatCSV, "events.csv")
		require.NoError(t, err)

		assert.Equal(t, int64(6), res.TotalRecords)
		assert.Equal(t, int64(3), res.Scored)
		assert.Equal(t, int64(2), res.Invalid)
		assert.Equal(t, int64(1), res.Failed)
		assert.Equal(t, int64(2), res.Anomalous)
		assert.Equal(t, int64(2), res.Recorded)
		assert.Equal(t, map[string]int64{"HIGH": 2, "LOW": 1}, res.BySeverity)
		assert.Equal(t, map[string]int64{"DDoS": 2, "Normal": 1}, res.ByLabel)
		assert.Equal(t, int64(3), res.Labeled)
		assert.Equal(t, int64(2), res.Matched)
		assert.InDelta(t, 2.0/3.0, res.Accuracy(), 1e-9)
		assert.Len(t, res.Errors, 3)

		assert.ElementsMatch(t, []string{"a", "e"}, rec.ids)
		assert.Equal(t, []string{"replay:events.csv", "replay:events.csv"}, rec.sources)
	})

	t.Run("DryRun", func(t *testing.T) {
		rec := &fakeRecorder{}
		cfg := DefaultConfig()
		cfg.DryRun = true
		p, _ := newPipeline(t, cfg, rec)

		res, err := p.ProcessReader(context.Background(), strings.NewReader(csvInput), FormatCSV, "events.csv")
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Anomalous)
		assert.Zero(t, res.Recorded)
		assert.Empty(t, rec.ids)
	})

	t.Run("NoFeatureColumns", func(t *testing.T) {
		p, _ := newPipeline(t, DefaultConfig(), nil)
		_, err := p.ProcessReader(context.Background(), strings.NewReader("id,label\na,DDoS\n"), FormatCSV, "x.csv")
		assert.Error(t, err)
	})

	t.Run("ErrorsCapped", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxErrors = 2
		p, _ := newPipeline(t, cfg, nil)
		input := "f1,f2,f3\n" + strings.Repeat("x,y,z\n", 5)
		res, err := p.ProcessReader(context.Background(), strings.NewReader(input), FormatCSV, "x.csv")
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.Invalid)
		assert.Len(t, res.Errors, 2)
	})
}

func TestProcessReaderJSONL(t *testing.T) {
	input := strings.Join([]string{
		`{"resourceType":"AuditEvent","action":"E","agent":[{"userId":"svc"}]}`,
		``,
		`{"id":"vec-1","features":[0.1,0,0],"label":"Normal"}`,
		`not json`,
		`{"id":"vec-2","features":[0.1]}`,
	}, "\n")

	rec := &fakeRecorder{}
	p, _ := newPipeline(t, DefaultConfig(), rec)
	res, err := p.ProcessReader(context.Background(), strings.NewReader(input), FormatJSONL, "audit.jsonl")
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.TotalRecords)
	assert.Equal(t, int64(2), res.Scored)
	assert.Equal(t, int64(2), res.Invalid, "unparseable line and wrong width")
	assert.Equal(t, int64(1), res.Anomalous, "hashed audit fields are large")
	assert.Equal(t, int64(1), res.Matched)

	require.Len(t, rec.metas, 1)
	assert.Equal(t, []string{"line-1"}, rec.ids)
	assert.Equal(t, int64(1), rec.metas[0]["replay.line"])
	assert.Equal(t, "svc", rec.metas[0]["user"])
}

func TestProcessFileParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.parquet")
	require.NoError(t, parquet.WriteFile(path, []ParquetRow{
		{ID: "p1", Label: "DDoS", Features: []float64{0.9, 0, 0}},
		{Features: []float64{0.2, 0, 0}},
		{ID: "p3"},
	}))

	rec := &fakeRecorder{}
	p, _ := newPipeline(t, DefaultConfig(), rec)
	res, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.TotalRecords)
	assert.Equal(t, int64(2), res.Scored)
	assert.Equal(t, int64(1), res.Invalid)
	assert.Equal(t, int64(1), res.Matched)
	assert.Equal(t, []string{"p1"}, rec.ids)
	assert.Equal(t, []string{"replay:rows.parquet"}, rec.sources)
}

func TestWorkerPool(t *testing.T) {
	var b strings.Builder
	b.WriteString("f1,f2,f3\n")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "%.3f,0,0\n", float64(i%10)/10)
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 7
	cfg.WorkerCount = 3
	cfg.ProgressReport = 100
	rec := &fakeRecorder{}
	p, scorer := newPipeline(t, cfg, rec)

	res, err := p.ProcessReader(context.Background(), strings.NewReader(b.String()), FormatCSV, "bulk.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Scored)
	assert.Equal(t, int64(1000), scorer.calls.Load())
	assert.Equal(t, int64(500), res.Anomalous)
	assert.Len(t, rec.ids, 500)
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, scorer := newPipeline(t, DefaultConfig(), nil)
	_, err := p.ProcessReader(ctx, strings.NewReader(csvInput), FormatCSV, "events.csv")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, scorer.calls.Load())
}

func TestNewPipeline(t *testing.T) {
	_, err := NewPipeline(nil, nil, nil, DefaultConfig(), zap.NewNop())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Thresholds = &detector.ThresholdSet{Low: 0.5, Medium: 0.1, High: 0.9}
	_, err = NewPipeline(&fakeScorer{}, nil, nil, cfg, zap.NewNop())
	assert.ErrorIs(t, err, detector.ErrInvalidThresholds)

	p, err := NewPipeline(&fakeScorer{}, nil, nil, Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().BatchSize, p.config.BatchSize)
	assert.Equal(t, features.DefaultFeatureCount, p.extractor.FeatureCount())
}

func TestDetectFileFormat(t *testing.T) {
	cases := map[string]FileFormat{
		"a.jsonl":       FormatJSONL,
		"a.JSON":        FormatJSONL,
		"dir/b.csv":     FormatCSV,
		"c.parquet":     FormatParquet,
		"events.ndjson": FormatJSONL,
	}
	for name, want := range cases {
		got, err := DetectFileFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := DetectFileFormat("data.xlsx")
	assert.Error(t, err)

	p, _ := newPipeline(t, DefaultConfig(), nil)
	_, err = p.ProcessFile(context.Background(), "missing.txt")
	assert.Error(t, err)
}
