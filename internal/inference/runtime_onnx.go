//go:build onnx
// +build onnx

package inference

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	envOnce sync.Once
	envErr  error
)

// onnxRuntime loads graphs through ONNX Runtime. Requires build tag 'onnx'.
type onnxRuntime struct {
	cfg        RuntimeConfig
	logger     *zap.Logger
	capability CapabilityReport
}

// NewRuntime initializes ONNX Runtime and probes the host once for GPU
// execution providers.
func NewRuntime(cfg RuntimeConfig, logger *zap.Logger) (Runtime, error) {
	envOnce.Do(func() {
		// Allow user to provide shared library path via environment variable.
		shlib := cfg.SharedLibraryPath
		if shlib == "" {
			shlib = os.Getenv("ONNXRUNTIME_SHARED_LIB")
		}
		if shlib == "" {
			shlib = os.Getenv("ORT_SHLIB")
		}
		if shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		}
		if !ort.IsInitialized() {
			envErr = ort.InitializeEnvironment()
		}
	})

	rt := &onnxRuntime{cfg: cfg, logger: logger}
	if envErr != nil {
		rt.capability = CapabilityReport{Capability: CapabilityUnavailable, Reason: envErr.Error()}
		logger.Error("ONNX Runtime environment init failed", zap.Error(envErr))
		return rt, nil
	}
	rt.capability = rt.detect()
	logger.Info("Inference capability detected",
		zap.String("capability", string(rt.capability.Capability)),
		zap.String("provider", rt.capability.Provider),
		zap.String("reason", rt.capability.Reason))
	return rt, nil
}

func (r *onnxRuntime) detect() CapabilityReport {
	if r.cfg.ForcePortable {
		return CapabilityReport{Capability: CapabilityPortable, Reason: "force_portable set"}
	}
	trt, err := ort.NewTensorRTProviderOptions()
	if err == nil {
		trt.Destroy()
		return CapabilityReport{Capability: CapabilityAccelerated, Provider: "tensorrt"}
	}
	cuda, cudaErr := ort.NewCUDAProviderOptions()
	if cudaErr == nil {
		cuda.Destroy()
		return CapabilityReport{Capability: CapabilityAccelerated, Provider: "cuda"}
	}
	return CapabilityReport{
		Capability: CapabilityPortable,
		Reason:     fmt.Sprintf("no gpu execution provider: tensorrt: %v; cuda: %v", err, cudaErr),
	}
}

func (r *onnxRuntime) Capability() CapabilityReport {
	return r.capability
}

func (r *onnxRuntime) Close() error {
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// sessionOptions builds options for the requested path. The returned
// cleanup must run after the session has been created.
func (r *onnxRuntime) sessionOptions(accelerated bool) (*ort.SessionOptions, func(), error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, nil, fmt.Errorf("create session options: %w", err)
	}
	cleanups := []func(){func() { opts.Destroy() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*ort.SessionOptions, func(), error) {
		cleanup()
		return nil, nil, err
	}

	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return fail(fmt.Errorf("set graph optimization: %w", err))
	}
	if r.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(r.cfg.IntraOpThreads); err != nil {
			return fail(fmt.Errorf("set intra threads: %w", err))
		}
	}
	if !accelerated {
		return opts, cleanup, nil
	}

	deviceID := strconv.Itoa(r.cfg.DeviceID)
	switch r.capability.Provider {
	case "tensorrt":
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return fail(fmt.Errorf("tensorrt provider options: %w", err))
		}
		cleanups = append(cleanups, func() { trt.Destroy() })
		settings := map[string]string{
			"device_id":       deviceID,
			"trt_fp16_enable": boolFlag(r.cfg.FP16),
		}
		if r.cfg.EngineCacheDir != "" {
			settings["trt_engine_cache_enable"] = "1"
			settings["trt_engine_cache_path"] = r.cfg.EngineCacheDir
		}
		if err := trt.Update(settings); err != nil {
			return fail(fmt.Errorf("update tensorrt options: %w", err))
		}
		if err := opts.AppendExecutionProviderTensorRT(trt); err != nil {
			return fail(fmt.Errorf("append tensorrt provider: %w", err))
		}
	case "cuda":
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fail(fmt.Errorf("cuda provider options: %w", err))
		}
		cleanups = append(cleanups, func() { cuda.Destroy() })
		if err := cuda.Update(map[string]string{"device_id": deviceID}); err != nil {
			return fail(fmt.Errorf("update cuda options: %w", err))
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return fail(fmt.Errorf("append cuda provider: %w", err))
		}
	default:
		return fail(fmt.Errorf("no gpu execution provider detected"))
	}
	return opts, cleanup, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// staticShape replaces dynamic dimensions with 1 so a single sample can be bound.
func staticShape(dims ort.Shape) ort.Shape {
	out := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func singleIO(graph []byte) (ort.InputOutputInfo, []ort.InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(graph)
	if err != nil {
		return ort.InputOutputInfo{}, nil, fmt.Errorf("inspect graph io: %w", err)
	}
	if len(inputs) != 1 {
		return ort.InputOutputInfo{}, nil, fmt.Errorf("graph declares %d inputs, want 1", len(inputs))
	}
	if len(outputs) == 0 {
		return ort.InputOutputInfo{}, nil, fmt.Errorf("graph declares no outputs")
	}
	return inputs[0], outputs, nil
}

// boundReconstructor keeps its input and output tensors bound to the session
// for its whole lifetime. Runs are serialized because the buffers are shared.
type boundReconstructor struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	inputDim int
}

func (r *onnxRuntime) LoadAcceleratedReconstructor(name string, graph []byte) (Reconstructor, error) {
	if !r.capability.CanAccelerate() {
		return nil, wrap(ErrBackendUnavailable, fmt.Errorf("host capability is %s", r.capability.Capability))
	}
	in, outs, err := singleIO(graph)
	if err != nil {
		return nil, wrap(ErrEngineLoad, fmt.Errorf("%s: %w", name, err))
	}
	out := outs[0]

	input, err := ort.NewEmptyTensor[float32](staticShape(in.Dimensions))
	if err != nil {
		return nil, wrap(ErrEngineLoad, fmt.Errorf("allocate input tensor: %w", err))
	}
	output, err := ort.NewEmptyTensor[float32](staticShape(out.Dimensions))
	if err != nil {
		input.Destroy()
		return nil, wrap(ErrEngineLoad, fmt.Errorf("allocate output tensor: %w", err))
	}
	opts, cleanup, err := r.sessionOptions(true)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, wrap(ErrEngineLoad, err)
	}
	defer cleanup()

	session, err := ort.NewAdvancedSessionWithONNXData(graph,
		[]string{in.Name}, []string{out.Name},
		[]ort.Value{input}, []ort.Value{output}, opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, wrap(ErrEngineLoad, fmt.Errorf("create %s session: %w", name, err))
	}

	r.logger.Debug("Bound accelerated session",
		zap.String("graph", name),
		zap.String("input", in.Name),
		zap.String("output", out.Name),
		zap.Int64s("input_shape", input.GetShape()))
	return &boundReconstructor{
		session:  session,
		input:    input,
		output:   output,
		inputDim: int(input.GetShape().FlattenedSize()),
	}, nil
}

func (b *boundReconstructor) Kind() Kind    { return KindAccelerated }
func (b *boundReconstructor) InputDim() int { return b.inputDim }

func (b *boundReconstructor) Reconstruct(x []float32) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, wrap(ErrExecution, fmt.Errorf("session closed"))
	}
	if len(x) != b.inputDim {
		return nil, wrap(ErrExecution, fmt.Errorf("input has %d values, graph expects %d", len(x), b.inputDim))
	}
	copy(b.input.GetData(), x)
	if err := b.session.Run(); err != nil {
		return nil, wrap(ErrExecution, err)
	}
	out := make([]float32, len(b.output.GetData()))
	copy(out, b.output.GetData())
	return out, nil
}

func (b *boundReconstructor) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	b.session.Destroy()
	b.input.Destroy()
	b.output.Destroy()
	b.session = nil
	return nil
}

// dynamicSession creates tensors per call, so concurrent runs need no lock.
type dynamicSession struct {
	session    *ort.DynamicAdvancedSession
	inputShape ort.Shape
	inputDim   int
	closeOnce  sync.Once
}

func (r *onnxRuntime) newDynamicSession(name string, graph []byte, pickOutput func([]ort.InputOutputInfo) ort.InputOutputInfo) (*dynamicSession, ort.InputOutputInfo, error) {
	if !r.capability.CanRunPortable() {
		return nil, ort.InputOutputInfo{}, wrap(ErrBackendUnavailable, fmt.Errorf("host capability is %s", r.capability.Capability))
	}
	in, outs, err := singleIO(graph)
	if err != nil {
		return nil, ort.InputOutputInfo{}, wrap(ErrEngineLoad, fmt.Errorf("%s: %w", name, err))
	}
	out := pickOutput(outs)

	opts, cleanup, err := r.sessionOptions(false)
	if err != nil {
		return nil, ort.InputOutputInfo{}, wrap(ErrEngineLoad, err)
	}
	defer cleanup()

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(graph, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, ort.InputOutputInfo{}, wrap(ErrEngineLoad, fmt.Errorf("create %s session: %w", name, err))
	}
	shape := staticShape(in.Dimensions)
	r.logger.Debug("Created portable session",
		zap.String("graph", name),
		zap.String("input", in.Name),
		zap.String("output", out.Name),
		zap.Int64s("input_shape", shape))
	return &dynamicSession{session: session, inputShape: shape, inputDim: int(shape.FlattenedSize())}, out, nil
}

func (d *dynamicSession) run(x []float32) ([]float32, error) {
	if len(x) != d.inputDim {
		return nil, wrap(ErrExecution, fmt.Errorf("input has %d values, graph expects %d", len(x), d.inputDim))
	}
	in, err := ort.NewTensor(d.inputShape, append([]float32(nil), x...))
	if err != nil {
		return nil, wrap(ErrExecution, fmt.Errorf("create input tensor: %w", err))
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, wrap(ErrExecution, err)
	}
	defer outputs[0].Destroy()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, wrap(ErrExecution, fmt.Errorf("output is %T, want float32 tensor", outputs[0]))
	}
	out := make([]float32, len(t.GetData()))
	copy(out, t.GetData())
	return out, nil
}

func (d *dynamicSession) close() error {
	var err error
	d.closeOnce.Do(func() { err = d.session.Destroy() })
	return err
}

type portableReconstructor struct {
	*dynamicSession
}

func (r *onnxRuntime) LoadPortableReconstructor(name string, graph []byte) (Reconstructor, error) {
	ds, _, err := r.newDynamicSession(name, graph, func(outs []ort.InputOutputInfo) ort.InputOutputInfo { return outs[0] })
	if err != nil {
		return nil, err
	}
	return &portableReconstructor{ds}, nil
}

func (p *portableReconstructor) Kind() Kind                                  { return KindPortable }
func (p *portableReconstructor) InputDim() int                               { return p.inputDim }
func (p *portableReconstructor) Reconstruct(x []float32) ([]float32, error) { return p.run(x) }
func (p *portableReconstructor) Close() error                                { return p.close() }

type portableClassifier struct {
	*dynamicSession
	numClasses int
}

// LoadPortableClassifier binds the probability output of a tree-ensemble
// graph. Converted ensembles usually emit a label tensor first and the
// probability tensor second.
func (r *onnxRuntime) LoadPortableClassifier(name string, graph []byte) (ProbabilityScorer, error) {
	ds, out, err := r.newDynamicSession(name, graph, probabilityOutput)
	if err != nil {
		return nil, err
	}
	numClasses := 0
	if n := len(out.Dimensions); n > 0 && out.Dimensions[n-1] > 0 {
		numClasses = int(out.Dimensions[n-1])
	}
	return &portableClassifier{dynamicSession: ds, numClasses: numClasses}, nil
}

func probabilityOutput(outs []ort.InputOutputInfo) ort.InputOutputInfo {
	for _, o := range outs {
		if strings.Contains(strings.ToLower(o.Name), "prob") {
			return o
		}
	}
	return outs[len(outs)-1]
}

func (p *portableClassifier) Kind() Kind      { return KindPortable }
func (p *portableClassifier) InputDim() int   { return p.inputDim }
func (p *portableClassifier) NumClasses() int { return p.numClasses }
func (p *portableClassifier) Close() error    { return p.close() }

func (p *portableClassifier) ClassProbabilities(x []float32) ([]float32, error) {
	return p.run(x)
}
