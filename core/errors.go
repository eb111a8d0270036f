package core

import "errors"

// Errors returned by the runtime. Callers inspect them with errors.Is; every
// error produced by this module wraps exactly one of these.
var (
	// ErrOutOfMemory reports that an arena or planned buffer is too small.
	// It is not retryable within the same execution context.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrMalformedPayload reports a corrupt or incompatible serialized program.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrContractViolation reports a shape, dtype or tag mismatch between
	// a producer and a consumer.
	ErrContractViolation = errors.New("contract violation")

	// ErrInvalidArgument reports a caller supplied value that fails validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState reports a call made in the wrong lifecycle state, such as
	// executing a destroyed delegate or a finalized method.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound reports a missing method, operator or backend.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported reports a feature the runtime or a backend cannot serve.
	ErrNotSupported = errors.New("not supported")
)

// ErrorClass groups errors into the categories callers act on.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassResource
	ClassFormat
	ClassContract
	ClassLookup
)

func (c ErrorClass) String() string {
	switch c {
	case ClassResource:
		return "resource"
	case ClassFormat:
		return "format"
	case ClassContract:
		return "contract"
	case ClassLookup:
		return "lookup"
	default:
		return "other"
	}
}

// Classify maps err onto its ErrorClass. Errors that do not wrap a runtime
// sentinel, such as failures raised by a decode primitive, are ClassOther.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassOther
	case errors.Is(err, ErrOutOfMemory):
		return ClassResource
	case errors.Is(err, ErrMalformedPayload):
		return ClassFormat
	case errors.Is(err, ErrContractViolation),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidState):
		return ClassContract
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotSupported):
		return ClassLookup
	default:
		return ClassOther
	}
}
