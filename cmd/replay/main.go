package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/artifacts"
	"github.com/raaihank/edge-sentinel/internal/config"
	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/features"
	"github.com/raaihank/edge-sentinel/internal/inference"
	"github.com/raaihank/edge-sentinel/internal/logger"
	"github.com/raaihank/edge-sentinel/internal/privacy"
	"github.com/raaihank/edge-sentinel/internal/replay"
)

type options struct {
	configPath string
	output     string
	replay     replay.Config
	low        float64
	medium     float64
	high       float64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{replay: replay.DefaultConfig()}
	cmd := &cobra.Command{
		Use:   "replay [flags] FILE...",
		Short: "Score recorded audit events or feature rows offline",
		Long: `Score recorded inputs with the same model the server loads.

Inputs are detected by extension:
  .jsonl, .json   one FHIR AuditEvent (or {"id","features"} row) per line
  .csv            header row; every column except id and label is a feature
  .parquet        id, label and features (list of doubles) columns

Anomalous results are written to the configured alert sinks unless
--dry-run is set.

Examples:

  replay --config configs/config.yaml audit-2024-06.jsonl
  replay --workers 8 --batch-size 512 flows.parquet
  replay --dry-run --high 0.2 --output json holdout.csv`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.applyThresholds(cmd); err != nil {
				return err
			}
			return run(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVarP(&opts.output, "output", "o", "text", "Summary format: text or json")
	flags.IntVar(&opts.replay.BatchSize, "batch-size", opts.replay.BatchSize, "Records per batch")
	flags.IntVar(&opts.replay.WorkerCount, "workers", opts.replay.WorkerCount, "Number of scoring goroutines")
	flags.IntVar(&opts.replay.ProgressReport, "progress", opts.replay.ProgressReport, "Log progress every N records (0 disables)")
	flags.IntVar(&opts.replay.MaxErrors, "max-errors", opts.replay.MaxErrors, "Row errors kept in the summary")
	flags.BoolVar(&opts.replay.DryRun, "dry-run", false, "Score without writing alerts")
	flags.Float64Var(&opts.low, "low", 0, "Override the low threshold")
	flags.Float64Var(&opts.medium, "medium", 0, "Override the medium threshold")
	flags.Float64Var(&opts.high, "high", 0, "Override the high threshold")
	return cmd
}

// applyThresholds builds a per-run override from the threshold flags that
// were set; unset levels come from the configuration.
func (o *options) applyThresholds(cmd *cobra.Command) error {
	f := cmd.Flags()
	if !f.Changed("low") && !f.Changed("medium") && !f.Changed("high") {
		return nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	t := cfg.Model.Thresholds
	if f.Changed("low") {
		t.Low = o.low
	}
	if f.Changed("medium") {
		t.Medium = o.medium
	}
	if f.Changed("high") {
		t.High = o.high
	}
	if err := t.Validate(); err != nil {
		return err
	}
	o.replay.Thresholds = &t
	return nil
}

func run(ctx context.Context, opts *options, files []string, out io.Writer) error {
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("invalid output format %q (must be text or json)", opts.output)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	rt, err := inference.NewRuntime(cfg.Model.Runtime, log.WithComponent("inference").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize inference runtime: %w", err)
	}
	defer rt.Close()

	model, err := detector.Load(cfg.Model, artifacts.NewDirStore(cfg.Model.ArtifactDir, cfg.Model.Artifacts), rt, log.WithComponent("detector").Logger)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	defer model.Close()

	var recorder *alerts.Recorder
	if !opts.replay.DryRun {
		recorder, err = newRecorder(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer recorder.Close()
	}

	var rec replay.Recorder
	if recorder != nil {
		rec = recorder
	}
	pipeline, err := replay.NewPipeline(model, rec, features.NewExtractor(model.RawFeatureCount()), opts.replay, log.WithComponent("replay").Logger)
	if err != nil {
		return err
	}

	for _, file := range files {
		res, err := pipeline.ProcessFile(ctx, file)
		if res != nil {
			if werr := printResult(out, file, res, opts.output); werr != nil {
				return werr
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
	}
	return nil
}

func newRecorder(ctx context.Context, cfg *config.Config, log *logger.Logger) (*alerts.Recorder, error) {
	var sinks []alerts.Sink
	if cfg.Alerts.File.Enabled {
		fileSink, err := alerts.NewFileSink(cfg.Alerts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open alert log: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Store.Enabled {
		store, err := alerts.OpenStore(ctx, cfg.Store, log.WithComponent("store").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open alert store: %w", err)
		}
		sinks = append(sinks, store)
	}
	masker, err := privacy.New(cfg.Alerts.Masking, log.WithComponent("privacy").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alert masking: %w", err)
	}
	log.Info("Replay alert sinks ready", zap.Int("sinks", len(sinks)))
	return alerts.NewRecorder(cfg.Alerts, masker, log.WithComponent("alerts").Logger, sinks...)
}

func printResult(w io.Writer, file string, res *replay.Result, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			File string `json:"file"`
			*replay.Result
			Accuracy float64 `json:"accuracy,omitempty"`
		}{file, res, res.Accuracy()})
	}

	fmt.Fprintf(w, "%s\n", file)
	fmt.Fprintf(w, "  records:    %d (scored %d, invalid %d, failed %d)\n", res.TotalRecords, res.Scored, res.Invalid, res.Failed)
	fmt.Fprintf(w, "  anomalous:  %d (recorded %d)\n", res.Anomalous, res.Recorded)
	fmt.Fprintf(w, "  severity:   %s\n", formatCounts(res.BySeverity))
	fmt.Fprintf(w, "  labels:     %s\n", formatCounts(res.ByLabel))
	if res.Labeled > 0 {
		fmt.Fprintf(w, "  accuracy:   %.4f (%d/%d labeled)\n", res.Accuracy(), res.Matched, res.Labeled)
	}
	fmt.Fprintf(w, "  duration:   %s (inference %s)\n", res.Duration, res.InferenceTime)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	return nil
}

func formatCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%d", k, counts[k])
	}
	return s
}
