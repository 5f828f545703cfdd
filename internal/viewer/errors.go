package viewer

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("viewer: session already initialized")

	// ErrNotReady is returned when a load is submitted outside the Ready state.
	ErrNotReady = errors.New("viewer: session not ready")

	// ErrSessionClosed is returned for requests still queued when Close runs.
	ErrSessionClosed = errors.New("viewer: session closed")

	// ErrEngineLost marks an engine error as fatal to the session.
	// Engines wrap it (fmt.Errorf("...: %w", viewer.ErrEngineLost)) when the
	// render context is gone and no further load can succeed.
	ErrEngineLost = errors.New("viewer: engine lost")

	// ErrInvalidContainer is the cause of an InitializationError for a nil or
	// unidentified container.
	ErrInvalidContainer = errors.New("viewer: invalid container")

	// ErrInvalidRequest is the cause of a ResolutionError for malformed requests.
	ErrInvalidRequest = errors.New("viewer: invalid load request")
)

// InitializationError is fatal to the session.
type InitializationError struct {
	Stage string // "container", "engine", "extension"
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("viewer: initialization failed at %s: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ResolutionError aborts a whole load request before any reference is attempted.
type ResolutionError struct {
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("viewer: resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// LoadError is the failure of a single reference within a request.
type LoadError struct {
	Ref   ResourceRef
	Index int
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("viewer: load %s (#%d): %v", e.Ref.URL, e.Index, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsFatal reports whether the underlying engine error ended the session.
func (e *LoadError) IsFatal() bool { return errors.Is(e.Err, ErrEngineLost) }

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
