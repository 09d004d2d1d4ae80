package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	t.Run("UnknownDetector", func(t *testing.T) {
		_, err := New(Config{Enabled: true, Detectors: []string{"passport"}}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("All", func(t *testing.T) {
		d := newDetector(t, Config{Enabled: true, Detectors: []string{"all"}})
		assert.Equal(t, []string{"credit_card", "email", "ipv4", "phone", "ssn"}, d.EnabledRules())
	})
}

func TestProcessText(t *testing.T) {
	d := newDetector(t, DefaultConfig())

	t.Run("MasksPatterns", func(t *testing.T) {
		res := d.ProcessText("contact jane.doe@example.org, ssn 123-45-6789, card 4111 1111 1111 1111, call 555-123-4567")
		assert.Equal(t,
			"contact [MASKED_EMAIL], ssn [MASKED_SSN], card [MASKED_CREDIT_CARD], call [MASKED_PHONE]",
			res.MaskedText)
		assert.Len(t, res.Findings, 4)
	})

	t.Run("IPv4LeftAloneByDefault", func(t *testing.T) {
		res := d.ProcessText("10.1.2.3")
		assert.Equal(t, "10.1.2.3", res.MaskedText)
		assert.Empty(t, res.Findings)
	})

	t.Run("Disabled", func(t *testing.T) {
		off := newDetector(t, Config{Enabled: false, Detectors: []string{"all"}})
		res := off.ProcessText("jane.doe@example.org")
		assert.Equal(t, "jane.doe@example.org", res.MaskedText)
	})
}

func TestMaskMetadata(t *testing.T) {
	d := newDetector(t, DefaultConfig())

	meta := map[string]any{
		"user":        "dr.smith",
		"ip":          "10.1.2.3",
		"action":      "R",
		"feature_len": 25,
		"notes":       map[string]any{"contact": "nurse@example.org"},
		"tags":        []any{"ok", "555-123-4567"},
	}

	t.Run("FieldsAndPatterns", func(t *testing.T) {
		out, findings := d.MaskMetadata(meta)
		assert.Regexp(t, `^\[MASKED_USER:[0-9a-f]{8}\]$`, out["user"])
		assert.Equal(t, "10.1.2.3", out["ip"])
		assert.Equal(t, "R", out["action"])
		assert.Equal(t, 25, out["feature_len"])
		assert.Equal(t, map[string]any{"contact": "[MASKED_EMAIL]"}, out["notes"])
		assert.Equal(t, []any{"ok", "[MASKED_PHONE]"}, out["tags"])
		assert.NotEmpty(t, findings)
	})

	t.Run("StableFieldToken", func(t *testing.T) {
		a, _ := d.MaskMetadata(map[string]any{"user": "dr.smith"})
		b, _ := d.MaskMetadata(map[string]any{"user": "dr.smith"})
		c, _ := d.MaskMetadata(map[string]any{"user": "dr.jones"})
		assert.Equal(t, a["user"], b["user"])
		assert.NotEqual(t, a["user"], c["user"])
	})

	t.Run("InputUntouched", func(t *testing.T) {
		_, _ = d.MaskMetadata(meta)
		assert.Equal(t, "dr.smith", meta["user"])
		assert.Equal(t, "nurse@example.org", meta["notes"].(map[string]any)["contact"])
	})

	t.Run("DisabledCopies", func(t *testing.T) {
		off := newDetector(t, Config{Enabled: false, Fields: []string{"user"}})
		out, findings := off.MaskMetadata(meta)
		assert.Equal(t, "dr.smith", out["user"])
		assert.Empty(t, findings)
		out["user"] = "changed"
		assert.Equal(t, "dr.smith", meta["user"])
	})

	t.Run("Nil", func(t *testing.T) {
		out, findings := d.MaskMetadata(nil)
		assert.Equal(t, map[string]any{}, out)
		assert.Empty(t, findings)
	})
}
