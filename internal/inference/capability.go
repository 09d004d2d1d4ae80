package inference

// Capability is the result of probing the host for inference support.
type Capability string

const (
	CapabilityAccelerated Capability = "accelerated"
	CapabilityPortable    Capability = "portable"
	CapabilityUnavailable Capability = "unavailable"
)

// CapabilityReport describes what the host can run and why.
type CapabilityReport struct {
	Capability Capability `json:"capability"`
	// Provider names the GPU execution provider when accelerated.
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CanAccelerate reports whether accelerated graphs may be loaded.
func (c CapabilityReport) CanAccelerate() bool {
	return c.Capability == CapabilityAccelerated
}

// CanRunPortable reports whether portable graphs may be loaded.
func (c CapabilityReport) CanRunPortable() bool {
	return c.Capability == CapabilityAccelerated || c.Capability == CapabilityPortable
}
