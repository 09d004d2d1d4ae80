package inference

// Error is a typed inference backend error.
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

// Is matches any *Error of the same Type, so wrapped errors compare equal
// to the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// Common error types
var (
	ErrBackendUnavailable = &Error{Type: "backend_unavailable", Message: "inference backend unavailable", Code: 2001}
	ErrEngineLoad         = &Error{Type: "engine_load_error", Message: "failed to load inference graph", Code: 2002}
	ErrNoBackendAvailable = &Error{Type: "no_backend_available", Message: "no inference backend could be constructed", Code: 2003}
	ErrExecution          = &Error{Type: "execution_error", Message: "inference execution failed", Code: 2004}
)

// wrap returns a copy of base carrying cause.
func wrap(base *Error, cause error) error {
	return &Error{Type: base.Type, Message: base.Message, Code: base.Code, Err: cause}
}
