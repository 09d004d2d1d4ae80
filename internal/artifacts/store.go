package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Logical artifact names understood by the model loader.
const (
	Scaler             = "scaler"
	FeatureMask        = "feature_mask"
	Labels             = "labels"
	ClassifierA        = "classifier_a"
	ClassifierB        = "classifier_b"
	AnomalyAccelerated = "anomaly_accelerated"
	AnomalyPortable    = "anomaly_portable"
)

// ErrNotFound is returned when a logical artifact has no backing file.
var ErrNotFound = errors.New("artifact not found")

// Store is a read-only view over model artifacts keyed by logical name.
type Store interface {
	Open(name string) (io.ReadCloser, error)
	ReadAll(name string) ([]byte, error)
	Exists(name string) bool
	// Path returns the resolved location of an artifact, for logging.
	Path(name string) string
}

// DefaultNames maps logical names to file names relative to the store root.
func DefaultNames() map[string]string {
	return map[string]string{
		Scaler:             "scaler.json",
		FeatureMask:        "feature_mask.json",
		Labels:             "labels.json",
		ClassifierA:        "rf_model.onnx",
		ClassifierB:        "xgb_model.onnx",
		AnomalyAccelerated: "cnn_ae_ctx.onnx",
		AnomalyPortable:    "cnn_ae.onnx",
	}
}

// DirStore resolves artifacts under a root directory.
type DirStore struct {
	root  string
	names map[string]string
}

// NewDirStore creates a directory-backed store. Entries in names override
// the defaults; an empty value disables that artifact.
func NewDirStore(root string, names map[string]string) *DirStore {
	resolved := DefaultNames()
	for k, v := range names {
		resolved[k] = v
	}
	return &DirStore{root: root, names: resolved}
}

// Path returns the file path for a logical artifact name, or "" if unmapped.
func (s *DirStore) Path(name string) string {
	file, ok := s.names[name]
	if !ok || file == "" {
		return ""
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(s.root, file)
}

// Exists reports whether the artifact is mapped and present on disk.
func (s *DirStore) Exists(name string) bool {
	p := s.Path(name)
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Open opens the artifact for reading.
func (s *DirStore) Open(name string) (io.ReadCloser, error) {
	p := s.Path(name)
	if p == "" {
		return nil, fmt.Errorf("%w: %s (no file mapped)", ErrNotFound, name)
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, name, p)
		}
		return nil, fmt.Errorf("failed to open artifact %s: %w", name, err)
	}
	return f, nil
}

// ReadAll reads the whole artifact into memory.
func (s *DirStore) ReadAll(name string) ([]byte, error) {
	rc, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return data, nil
}

// DecodeJSON reads a JSON artifact into v.
func DecodeJSON(s Store, name string, v any) error {
	rc, err := s.Open(name)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("malformed artifact %s: %w", name, err)
	}
	return nil
}
