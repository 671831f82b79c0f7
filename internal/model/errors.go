package model

import "fmt"

// ErrorKind is the flat error taxonomy shared by every stage: each returns a
// Result carrying one of these instead of raising an opaque error.
type ErrorKind string

const (
	ErrParseMalformed       ErrorKind = "PARSE_MALFORMED"
	ErrParseSchema          ErrorKind = "PARSE_SCHEMA"
	ErrMapRefResolution     ErrorKind = "MAP_REF_RESOLUTION"
	ErrPersistValidation    ErrorKind = "PERSIST_VALIDATION"
	ErrPersistIntegrity     ErrorKind = "PERSIST_INTEGRITY"
	ErrPersistTransient     ErrorKind = "PERSIST_TRANSIENT"
	ErrPersistFatal         ErrorKind = "PERSIST_FATAL"
	ErrAggregateFailed      ErrorKind = "AGGREGATE_FAILED"
	ErrVerificationMismatch ErrorKind = "VERIFICATION_MISMATCH"
	ErrAckFailed            ErrorKind = "ACK_FAILED"
	ErrTimeout              ErrorKind = "TIMEOUT"
	ErrQueueSaturated       ErrorKind = "QUEUE_SATURATED"
	ErrFetchTransient       ErrorKind = "FETCH_TRANSIENT"
	ErrFetchFatal           ErrorKind = "FETCH_FATAL"
)

// Retryable reports whether this error kind is transient; the worker
// records it on the IngestionError row. Whether a failed file is acked as
// terminal is decided per pipeline stage by the worker, not by this flag.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrPersistTransient, ErrFetchTransient, ErrQueueSaturated, ErrTimeout, ErrAckFailed:
		return true
	default:
		return false
	}
}

// ParseKind enumerates Parser-specific failure kinds (a subset surfaced as
// ErrParseMalformed / ErrParseSchema at the orchestrator boundary).
type ParseKind string

const (
	ParseMalformedXML    ParseKind = "MALFORMED_XML"
	ParseUnknownRoot     ParseKind = "UNKNOWN_ROOT"
	ParseSchemaViolation ParseKind = "SCHEMA_VIOLATION"
	ParseFieldConstraint ParseKind = "FIELD_CONSTRAINT"
)

// ParseError is returned by the parser on any of the Kind cases.
type ParseError struct {
	Kind    ParseKind
	Offset  int64
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s at %s (offset %d): %s", e.Kind, e.Path, e.Offset, e.Message)
}

// ErrorKind classifies a ParseError into the pipeline-wide taxonomy used
// by the orchestrator.
func (e *ParseError) ErrorKind() ErrorKind {
	switch e.Kind {
	case ParseSchemaViolation, ParseFieldConstraint:
		return ErrParseSchema
	default:
		return ErrParseMalformed
	}
}

// Result is the explicit result type every pipeline stage returns; the
// Orchestrator is the only component that decides whether to retry, ack, or
// fail a file based on it.
type Result struct {
	OK      bool
	Kind    ErrorKind
	Details string
}

func Ok() Result { return Result{OK: true} }

func Fail(kind ErrorKind, format string, args ...any) Result {
	return Result{OK: false, Kind: kind, Details: fmt.Sprintf(format, args...)}
}

func (r Result) Error() string {
	if r.OK {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Details)
}
