package detector

// Error is a typed detector error. Callers compare with errors.Is against
// the sentinel values below; the cause is available through Unwrap.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// Common error types
var (
	ErrModelLoad         = &Error{Type: "model_load_error", Message: "failed to load model", Code: 3001}
	ErrShape             = &Error{Type: "shape_error", Message: "feature vector has wrong length", Code: 3002}
	ErrShapeMismatch     = &Error{Type: "shape_mismatch", Message: "classifier outputs disagree on class count", Code: 3003}
	ErrFeature           = &Error{Type: "feature_error", Message: "invalid feature vector", Code: 3004}
	ErrInferenceFailure  = &Error{Type: "inference_failure", Message: "inference failed", Code: 3005}
	ErrInvalidThresholds = &Error{Type: "invalid_thresholds", Message: "invalid threshold set", Code: 3006}
)

func wrap(base *Error, cause error) error {
	return &Error{Type: base.Type, Message: base.Message, Code: base.Code, Err: cause}
}
