package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/edge-sentinel/internal/replay"
)

func sampleResult() *replay.Result {
	return &replay.Result{
		TotalRecords: 10,
		Scored:       8,
		Invalid:      1,
		Failed:       1,
		Anomalous:    3,
		Recorded:     3,
		Labeled:      4,
		Matched:      3,
		BySeverity:   map[string]int64{"LOW": 5, "HIGH": 3},
		ByLabel:      map[string]int64{"Normal": 5, "DDoS": 3},
		Duration:     2 * time.Second,
		Errors:       []string{"line-4: bad row"},
	}
}

func TestPrintResult(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, "audit.jsonl", sampleResult(), "text"))
		out := buf.String()
		assert.Contains(t, out, "records:    10 (scored 8, invalid 1, failed 1)")
		assert.Contains(t, out, "severity:   HIGH=3, LOW=5")
		assert.Contains(t, out, "accuracy:   0.7500 (3/4 labeled)")
		assert.Contains(t, out, "error: line-4: bad row")
	})

	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, "audit.jsonl", sampleResult(), "json"))
		var got map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "audit.jsonl", got["file"])
		assert.Equal(t, float64(8), got["scored"])
		assert.Equal(t, 0.75, got["accuracy"])
	})
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "-", formatCounts(nil))
	assert.Equal(t, "a=1, b=2", formatCounts(map[string]int64{"b": 2, "a": 1}))
}

func TestRootCmdArgs(t *testing.T) {
	t.Run("RequiresFile", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetArgs(nil)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		assert.Error(t, cmd.Execute())
	})

	t.Run("InvalidThresholdFlags", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"--low", "0.5", "--medium", "0.1", "x.csv"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		assert.Error(t, cmd.Execute())
	})

	t.Run("ThresholdOverride", func(t *testing.T) {
		cmd := newRootCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--high", "0.3"}))
		opts := &options{high: 0.3}
		require.NoError(t, opts.applyThresholds(cmd))
		require.NotNil(t, opts.replay.Thresholds)
		assert.Equal(t, 0.3, opts.replay.Thresholds.High)
		assert.Equal(t, 0.05, opts.replay.Thresholds.Medium)
	})
}
