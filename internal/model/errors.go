package model

import "fmt"

// ErrorKind is the stable error taxonomy carried by events and item
// outcomes. It is distinct from the media Kind produced by
// classification. Extractor kinds mirror the stderr classification
// table.
type ErrorKind string

const (
	ErrToolUnavailable        ErrorKind = "ToolUnavailable"
	ErrInputInvalid           ErrorKind = "InputInvalid"
	ErrFingerprintUnavailable ErrorKind = "FingerprintUnavailable"
	ErrProcessingError        ErrorKind = "ProcessingError"
	ErrCancelled              ErrorKind = "Cancelled"
	ErrInternal               ErrorKind = "Internal"

	// Extractor error kinds, classified from combined stderr.
	ErrRateLimited   ErrorKind = "RateLimited"
	ErrGeoBlocked    ErrorKind = "GeoBlocked"
	ErrAgeRestricted ErrorKind = "AgeRestricted"
	ErrPrivate       ErrorKind = "Private"
	ErrUnavailable   ErrorKind = "Unavailable"
	ErrLoginRequired ErrorKind = "LoginRequired"
	ErrCopyright     ErrorKind = "Copyright"
	ErrNetworkError  ErrorKind = "NetworkError"
	ErrUnsupported   ErrorKind = "Unsupported"
	ErrUnknown       ErrorKind = "Unknown"
)

// PipelineError is the result-typed error value used throughout the
// pipeline. Only the outermost layer converts it to a user-facing
// event.
type PipelineError struct {
	Kind      ErrorKind
	Step      string // pipeline step for ProcessingError, else ""
	Hint      string // short user-facing remedy, optional
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Err == nil:
		return string(e.Kind)
	case e.Step != "":
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Step, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError wraps err with a taxonomy kind.
func NewError(kind ErrorKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Err: err}
}

// NewProcessingError tags a failure with the pipeline step it occurred
// in (normalize, transcode, tag, finalize, ...).
func NewProcessingError(step string, err error) *PipelineError {
	return &PipelineError{Kind: ErrProcessingError, Step: step, Err: err}
}

// NewCancelled reports cooperative cancellation.
func NewCancelled(msg string) *PipelineError {
	return &PipelineError{Kind: ErrCancelled, Err: fmt.Errorf("%s", msg)}
}

// KindOf extracts the taxonomy kind from an error chain, defaulting to
// Internal for untyped errors.
func KindOf(err error) ErrorKind {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Kind
	}
	return ErrInternal
}

// IsRetryable reports whether the scheduler may retry after err.
// Transient kinds are retryable regardless of how the error was
// constructed; the flag covers classifier rules that know better.
func IsRetryable(err error) bool {
	pe, ok := AsPipelineError(err)
	if !ok {
		return false
	}
	if pe.Retryable {
		return true
	}
	switch pe.Kind {
	case ErrRateLimited, ErrNetworkError:
		return true
	}
	return false
}

// HintOf extracts the user-facing hint, if any.
func HintOf(err error) string {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Hint
	}
	return ""
}

// AsPipelineError walks the error chain for a *PipelineError.
func AsPipelineError(err error) (*PipelineError, bool) {
	for err != nil {
		if pe, ok := err.(*PipelineError); ok {
			return pe, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
