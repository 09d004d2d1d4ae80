package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/features"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 4 << 20

// Scorer runs the detector on one vector.
type Scorer interface {
	Infer(ctx context.Context, features []float64, metadata map[string]any, thresholds *detector.ThresholdSet) (detector.DetectionResult, error)
}

// Recorder persists anomalous results.
type Recorder interface {
	Record(ctx context.Context, res detector.DetectionResult, requestID, source string) (bool, error)
}

// Pipeline handles bulk scoring of recorded inputs
type Pipeline struct {
	scorer    Scorer
	recorder  Recorder
	extractor *features.Extractor
	config    Config
	logger    *zap.Logger
}

// NewPipeline creates a replay pipeline. recorder may be nil.
func NewPipeline(scorer Scorer, recorder Recorder, extractor *features.Extractor, config Config, logger *zap.Logger) (*Pipeline, error) {
	if scorer == nil {
		return nil, errors.New("replay requires a scorer")
	}
	if config.Thresholds != nil {
		if err := config.Thresholds.Validate(); err != nil {
			return nil, err
		}
	}
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = def.MaxErrors
	}
	if extractor == nil {
		extractor = features.NewExtractor(0)
	}
	return &Pipeline{
		scorer:    scorer,
		recorder:  recorder,
		extractor: extractor,
		config:    config,
		logger:    logger,
	}, nil
}

// ProcessFile scores every record in a JSONL, CSV or Parquet file.
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*Result, error) {
	format, err := DetectFileFormat(filePath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	p.logger.Info("Starting replay",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount),
		zap.Bool("dry_run", p.config.DryRun))

	return p.ProcessReader(ctx, file, format, filepath.Base(filePath))
}

// ProcessReader scores records read from r. Parquet input is buffered in
// memory unless r implements io.ReaderAt.
func (p *Pipeline) ProcessReader(ctx context.Context, r io.Reader, format FileFormat, source string) (*Result, error) {
	var read func(*tally, *batcher) error
	switch format {
	case FormatJSONL:
		read = func(t *tally, b *batcher) error { return p.readJSONL(r, t, b) }
	case FormatCSV:
		read = func(t *tally, b *batcher) error { return p.readCSV(r, t, b) }
	case FormatParquet:
		ra, ok := r.(io.ReaderAt)
		if !ok {
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read parquet input: %w", err)
			}
			ra = bytes.NewReader(data)
		}
		read = func(t *tally, b *batcher) error { return p.readParquet(ra, t, b) }
	default:
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}
	return p.run(ctx, source, read)
}

func (p *Pipeline) run(ctx context.Context, source string, read func(*tally, *batcher) error) (*Result, error) {
	t := newTally(p.config.MaxErrors)
	batches := make(chan []Record, p.config.WorkerCount)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		return read(t, &batcher{ctx: gctx, size: p.config.BatchSize, out: batches})
	})
	for i := 0; i < p.config.WorkerCount; i++ {
		g.Go(func() error {
			for batch := range batches {
				if err := p.scoreBatch(gctx, source, batch, t); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	result := t.snapshot()
	result.Duration = time.Since(t.start)

	p.logger.Info("Replay completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("scored", result.Scored),
		zap.Int64("anomalous", result.Anomalous),
		zap.Int64("recorded", result.Recorded),
		zap.Int64("failed", result.Failed),
		zap.Int64("invalid", result.Invalid),
		zap.Duration("duration", result.Duration),
		zap.Duration("inference_time", result.InferenceTime))

	return result, err
}

func (p *Pipeline) scoreBatch(ctx context.Context, source string, batch []Record, t *tally) error {
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		res, err := p.scorer.Infer(ctx, rec.Features, rec.Metadata, p.config.Thresholds)
		elapsed := time.Since(start)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, detector.ErrFeature) {
				t.invalid(rec.ID, err)
			} else {
				t.failed(rec.ID, err)
			}
			continue
		}

		recorded := false
		if res.IsAnomalous && !p.config.DryRun && p.recorder != nil {
			recorded, err = p.recorder.Record(ctx, res, rec.ID, "replay:"+source)
			if err != nil {
				p.logger.Warn("Failed to record alert", zap.String("id", rec.ID), zap.Error(err))
			}
		}

		n := t.scored(rec, res, recorded, elapsed)
		if p.config.ProgressReport > 0 && n%int64(p.config.ProgressReport) == 0 {
			p.reportProgress(t)
		}
	}
	return nil
}

// featureLine is a JSONL record that already carries a vector.
type featureLine struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Features []float64      `json:"features"`
	Metadata map[string]any `json:"metadata"`
}

// readJSONL accepts FHIR AuditEvents or {"id","features"} rows, one per line.
func (p *Pipeline) readJSONL(r io.Reader, t *tally, b *batcher) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var line int64
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		id := fmt.Sprintf("line-%d", line)

		var fl featureLine
		if err := json.Unmarshal(raw, &fl); err == nil && fl.Features != nil {
			if fl.ID != "" {
				id = fl.ID
			}
			if err := b.add(Record{ID: id, Features: fl.Features, Metadata: fl.Metadata, Expected: fl.Label}); err != nil {
				return err
			}
			continue
		}

		extracted, err := p.extractor.ExtractJSON(raw)
		if err != nil {
			t.invalid(id, err)
			continue
		}
		extracted.Metadata["replay.line"] = line
		if err := b.add(Record{ID: id, Features: extracted.Features, Metadata: extracted.Metadata}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read JSONL input: %w", err)
	}
	return b.flush()
}

// readCSV treats every column except id and label as a raw feature.
func (p *Pipeline) readCSV(r io.Reader, t *tally, b *batcher) error {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	idCol, labelCol := -1, -1
	var featureCols []int
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id":
			idCol = i
		case "label":
			labelCol = i
		default:
			featureCols = append(featureCols, i)
		}
	}
	if len(featureCols) == 0 {
		return errors.New("CSV header has no feature columns")
	}
	p.logger.Debug("CSV header detected", zap.Strings("columns", header), zap.Int("features", len(featureCols)))

	line := int64(1)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		id := fmt.Sprintf("line-%d", line)
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				t.invalid(id, err)
				continue
			}
			return fmt.Errorf("failed to read CSV input: %w", err)
		}
		if idCol >= 0 && row[idCol] != "" {
			id = row[idCol]
		}

		vec, err := parseRow(row, featureCols, header)
		if err != nil {
			t.invalid(id, err)
			continue
		}
		rec := Record{ID: id, Features: vec, Metadata: map[string]any{"replay.line": line}}
		if labelCol >= 0 {
			rec.Expected = strings.TrimSpace(row[labelCol])
		}
		if err := b.add(rec); err != nil {
			return err
		}
	}
	return b.flush()
}

func parseRow(row []string, cols []int, header []string) ([]float64, error) {
	vec := make([]float64, len(cols))
	for i, c := range cols {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[c]), 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", header[c], err)
		}
		vec[i] = v
	}
	return vec, nil
}

// readParquet reads ParquetRow records.
func (p *Pipeline) readParquet(input io.ReaderAt, t *tally, b *batcher) error {
	reader := parquet.NewGenericReader[ParquetRow](input)
	defer reader.Close()

	rows := make([]ParquetRow, b.size)
	var index int64
	for {
		n, err := reader.Read(rows)
		for _, row := range rows[:n] {
			index++
			id := row.ID
			if id == "" {
				id = fmt.Sprintf("row-%d", index)
			}
			if len(row.Features) == 0 {
				t.invalid(id, errors.New("features column is empty"))
				continue
			}
			rec := Record{
				ID:       id,
				Features: append([]float64(nil), row.Features...),
				Metadata: map[string]any{"replay.row": index},
				Expected: row.Label,
			}
			if err := b.add(rec); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read parquet input: %w", err)
		}
	}
	return b.flush()
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(t *tally) {
	res := t.snapshot()
	elapsed := time.Since(t.start)
	p.logger.Info("Replay progress",
		zap.Int64("records_processed", res.TotalRecords),
		zap.Int64("anomalous", res.Anomalous),
		zap.Int64("failed", res.Failed),
		zap.Float64("rate_per_sec", float64(res.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

// batcher groups records and hands full batches to the workers.
type batcher struct {
	ctx  context.Context
	size int
	out  chan<- []Record
	buf  []Record
}

func (b *batcher) add(rec Record) error {
	b.buf = append(b.buf, rec)
	if len(b.buf) < b.size {
		return nil
	}
	return b.flush()
}

func (b *batcher) flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	select {
	case b.out <- b.buf:
		b.buf = nil
		return nil
	case <-b.ctx.Done():
		return b.ctx.Err()
	}
}

// tally aggregates worker results.
type tally struct {
	mu        sync.Mutex
	res       Result
	maxErrors int
	start     time.Time
}

func newTally(maxErrors int) *tally {
	return &tally{
		res: Result{
			BySeverity: make(map[string]int64),
			ByLabel:    make(map[string]int64),
		},
		maxErrors: maxErrors,
		start:     time.Now(),
	}
}

func (t *tally) addError(id string, err error) {
	if len(t.res.Errors) < t.maxErrors {
		t.res.Errors = append(t.res.Errors, fmt.Sprintf("%s: %v", id, err))
	}
}

func (t *tally) invalid(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.TotalRecords++
	t.res.Invalid++
	t.addError(id, err)
}

func (t *tally) failed(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.TotalRecords++
	t.res.Failed++
	t.addError(id, err)
}

func (t *tally) scored(rec Record, res detector.DetectionResult, recorded bool, elapsed time.Duration) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.TotalRecords++
	t.res.Scored++
	t.res.InferenceTime += elapsed
	t.res.BySeverity[string(res.Severity)]++
	t.res.ByLabel[res.PredictedLabel]++
	if res.IsAnomalous {
		t.res.Anomalous++
	}
	if recorded {
		t.res.Recorded++
	}
	if rec.Expected != "" {
		t.res.Labeled++
		if rec.Expected == res.PredictedLabel {
			t.res.Matched++
		}
	}
	return t.res.TotalRecords
}

func (t *tally) snapshot() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.res
	res.BySeverity = make(map[string]int64, len(t.res.BySeverity))
	for k, v := range t.res.BySeverity {
		res.BySeverity[k] = v
	}
	res.ByLabel = make(map[string]int64, len(t.res.ByLabel))
	for k, v := range t.res.ByLabel {
		res.ByLabel[k] = v
	}
	res.Errors = append([]string(nil), t.res.Errors...)
	return &res
}
