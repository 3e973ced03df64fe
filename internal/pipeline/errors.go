package pipeline

import "errors"

// Kind classifies a pipeline failure. A Kind is itself an error so callers
// can test with errors.Is(err, pipeline.KindRateLimit).
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindRateLimit            Kind = "rate_limit_exceeded"
	KindProvider             Kind = "provider_error"
	KindExtraction           Kind = "extraction_error"
	KindValidation           Kind = "validation_error"
	KindClarificationNeeded  Kind = "location_clarification_needed"
	KindLocationUnresolvable Kind = "location_unresolvable"
	KindPersistence          Kind = "persistence_error"
	KindConfiguration        Kind = "configuration_error"
)

func (k Kind) Error() string { return string(k) }

type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func newError(kind Kind, message string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable, Err: cause}
}

// KindOf returns the Kind of err, or "" when err is not a pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func RetryableOf(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
