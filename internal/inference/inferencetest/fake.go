// Package inferencetest provides in-process backends for exercising code
// that depends on the inference package without ONNX Runtime.
package inferencetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raaihank/edge-sentinel/internal/inference"
)

// Reconstructor returns Fn(x) as the reconstruction of x.
type Reconstructor struct {
	BackendKind inference.Kind
	Dim         int
	Fn          func(x []float32) []float32
	Err         error

	calls  atomic.Int64
	closed atomic.Int64
}

// ShiftReconstructor reconstructs every element as x+delta, which yields a
// reconstruction error of exactly delta*delta.
func ShiftReconstructor(kind inference.Kind, dim int, delta float32) *Reconstructor {
	return &Reconstructor{
		BackendKind: kind,
		Dim:         dim,
		Fn: func(x []float32) []float32 {
			out := make([]float32, len(x))
			for i, v := range x {
				out[i] = v + delta
			}
			return out
		},
	}
}

func (r *Reconstructor) Kind() inference.Kind { return r.BackendKind }
func (r *Reconstructor) InputDim() int        { return r.Dim }

func (r *Reconstructor) Reconstruct(x []float32) ([]float32, error) {
	r.calls.Add(1)
	if r.Err != nil {
		return nil, r.Err
	}
	if len(x) != r.Dim {
		return nil, fmt.Errorf("input has %d values, graph expects %d", len(x), r.Dim)
	}
	return r.Fn(x), nil
}

func (r *Reconstructor) Close() error {
	r.closed.Add(1)
	return nil
}

// Calls reports how many forward passes ran.
func (r *Reconstructor) Calls() int64 { return r.calls.Load() }

// Closed reports how many times Close was called.
func (r *Reconstructor) Closed() int64 { return r.closed.Load() }

// Classifier returns a fixed probability vector, or Fn(x) when set.
type Classifier struct {
	Dim     int
	Classes int
	Probs   []float32
	Fn      func(x []float32) []float32
	Err     error

	calls  atomic.Int64
	closed atomic.Int64
}

func (c *Classifier) Kind() inference.Kind { return inference.KindPortable }
func (c *Classifier) InputDim() int        { return c.Dim }
func (c *Classifier) NumClasses() int      { return c.Classes }

func (c *Classifier) ClassProbabilities(x []float32) ([]float32, error) {
	c.calls.Add(1)
	if c.Err != nil {
		return nil, c.Err
	}
	if len(x) != c.Dim {
		return nil, fmt.Errorf("input has %d values, graph expects %d", len(x), c.Dim)
	}
	if c.Fn != nil {
		return c.Fn(x), nil
	}
	return append([]float32(nil), c.Probs...), nil
}

func (c *Classifier) Close() error {
	c.closed.Add(1)
	return nil
}

// Calls reports how many forward passes ran.
func (c *Classifier) Calls() int64 { return c.calls.Load() }

// Closed reports how many times Close was called.
func (c *Classifier) Closed() int64 { return c.closed.Load() }

// Runtime hands out preconfigured backends by artifact name. A name mapped
// to an error fails to load with that error.
type Runtime struct {
	Report       inference.CapabilityReport
	Accelerated  map[string]*Reconstructor
	Portable     map[string]*Reconstructor
	Classifiers  map[string]*Classifier
	LoadErrors   map[string]error
	mu           sync.Mutex
	loaded       []string
	closedCalled bool
}

// NewRuntime creates a fake runtime reporting the given capability.
func NewRuntime(c inference.Capability) *Runtime {
	return &Runtime{
		Report:      inference.CapabilityReport{Capability: c},
		Accelerated: map[string]*Reconstructor{},
		Portable:    map[string]*Reconstructor{},
		Classifiers: map[string]*Classifier{},
		LoadErrors:  map[string]error{},
	}
}

func (r *Runtime) Capability() inference.CapabilityReport { return r.Report }

func (r *Runtime) record(kind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, kind+":"+name)
	return r.LoadErrors[name]
}

func (r *Runtime) LoadAcceleratedReconstructor(name string, _ []byte) (inference.Reconstructor, error) {
	if err := r.record("accelerated", name); err != nil {
		return nil, err
	}
	b, ok := r.Accelerated[name]
	if !ok {
		return nil, errors.New("no accelerated backend registered for " + name)
	}
	return b, nil
}

func (r *Runtime) LoadPortableReconstructor(name string, _ []byte) (inference.Reconstructor, error) {
	if err := r.record("portable", name); err != nil {
		return nil, err
	}
	b, ok := r.Portable[name]
	if !ok {
		return nil, errors.New("no portable backend registered for " + name)
	}
	return b, nil
}

func (r *Runtime) LoadPortableClassifier(name string, _ []byte) (inference.ProbabilityScorer, error) {
	if err := r.record("classifier", name); err != nil {
		return nil, err
	}
	c, ok := r.Classifiers[name]
	if !ok {
		return nil, errors.New("no classifier registered for " + name)
	}
	return c, nil
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closedCalled = true
	return nil
}

// Loaded lists load attempts as "kind:name" in call order.
func (r *Runtime) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loaded...)
}
