// Package pipeline holds the error taxonomy and small shared types used
// across the scan/group/compress/write pipeline.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the policy buckets described by the
// component design: each kind dictates how a worker responds, never the
// raw error text.
type Kind int

const (
	// KindUnknown is returned by Classify for an error with no known
	// classification; callers should treat it like Fatal.
	KindUnknown Kind = iota
	// KindTransient: network/backend buffer or timeout errors, tape-drive
	// busy, queue-full. Retry locally with bounded exponential backoff.
	KindTransient
	// KindPermanentInput: bad path, invalid config, missing template,
	// foreign-key violation. Surface immediately, fail the task.
	KindPermanentInput
	// KindOperatorRequired: tape label mismatch, no writable tape. Pause
	// the task, notify, do not auto-retry.
	KindOperatorRequired
	// KindDataState: post-verification mismatch. Retry once, then
	// log-and-continue; the pipeline self-heals on the next pass.
	KindDataState
	// KindFatal: MetaStore unreachable beyond the recovery window. Fail
	// the task, preserve the StagingBuffer checkpoint, stop workers.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanentInput:
		return "permanent_input"
	case KindOperatorRequired:
		return "operator_required"
	case KindDataState:
		return "data_state"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// classifiedError carries a Kind alongside the wrapped cause.
type classifiedError struct {
	kind Kind
	err  error
}

func (c *classifiedError) Error() string { return c.err.Error() }
func (c *classifiedError) Unwrap() error { return c.err }

// Classify returns the Kind attached to err via Wrap, or KindUnknown if
// none was attached.
func Classify(err error) Kind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return KindUnknown
}

// Wrap attaches a Kind to err so a later Classify call can recover it at
// a component boundary, converting a raw backend error into the taxonomy.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

// Transient, PermanentInput, OperatorRequired, DataState and Fatal are
// convenience constructors matching Wrap's kinds.
func Transient(err error) error       { return Wrap(KindTransient, err) }
func PermanentInput(err error) error  { return Wrap(KindPermanentInput, err) }
func OperatorRequired(err error) error { return Wrap(KindOperatorRequired, err) }
func DataState(err error) error       { return Wrap(KindDataState, err) }
func Fatal(err error) error           { return Wrap(KindFatal, err) }

// ErrNotFound is returned by MetaStore lookups for a missing task, set,
// or template.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an operation cannot proceed because of
// another already-in-progress execution.
var ErrConflict = errors.New("conflict")

// ErrPreconditionFailed is returned when a precondition (e.g. tape
// label month) is not met.
var ErrPreconditionFailed = errors.New("precondition failed")

// Errorf builds a classified error with a formatted message, e.g.
// pipeline.Errorf(pipeline.KindPermanentInput, "template %d missing", id).
func Errorf(kind Kind, format string, args ...any) error {
	return Wrap(kind, fmt.Errorf(format, args...))
}
