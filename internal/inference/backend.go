package inference

// Kind identifies which execution path a backend runs on.
type Kind string

const (
	// KindAccelerated runs a GPU-resident graph with buffers bound once at load.
	KindAccelerated Kind = "accelerated"
	// KindPortable runs a portable graph on general-purpose CPU cores.
	KindPortable Kind = "portable"
)

// Backend is the common surface of every loaded inference graph.
type Backend interface {
	// Kind reports the execution path this backend was loaded on.
	Kind() Kind
	// InputDim is the number of float elements the graph consumes per sample.
	InputDim() int
	// Close releases native resources. It is safe to call more than once.
	Close() error
}

// Reconstructor is a backend that reproduces its input, e.g. an autoencoder.
type Reconstructor interface {
	Backend
	// Reconstruct runs one synchronous forward pass for a single sample.
	Reconstruct(x []float32) ([]float32, error)
}

// ProbabilityScorer is a backend that returns a class probability vector.
type ProbabilityScorer interface {
	Backend
	// NumClasses is the declared class dimension, or 0 when the graph leaves it dynamic.
	NumClasses() int
	// ClassProbabilities runs one synchronous forward pass for a single sample.
	ClassProbabilities(x []float32) ([]float32, error)
}

// Runtime loads graphs for the execution paths available on this host.
// Implementations are provided in build-tagged files: runtime_onnx.go and runtime_stub.go.
type Runtime interface {
	// Capability is detected once when the runtime is created.
	Capability() CapabilityReport
	LoadAcceleratedReconstructor(name string, graph []byte) (Reconstructor, error)
	LoadPortableReconstructor(name string, graph []byte) (Reconstructor, error)
	LoadPortableClassifier(name string, graph []byte) (ProbabilityScorer, error)
	// Close tears down the runtime environment after all backends are closed.
	Close() error
}

// RuntimeConfig contains settings for the inference runtime.
type RuntimeConfig struct {
	SharedLibraryPath string `yaml:"shared_library_path" mapstructure:"shared_library_path"`
	ForcePortable     bool   `yaml:"force_portable" mapstructure:"force_portable"`
	DeviceID          int    `yaml:"device_id" mapstructure:"device_id"`
	EngineCacheDir    string `yaml:"engine_cache_dir" mapstructure:"engine_cache_dir"`
	FP16              bool   `yaml:"fp16" mapstructure:"fp16"`
	IntraOpThreads    int    `yaml:"intra_op_threads" mapstructure:"intra_op_threads"`
}
