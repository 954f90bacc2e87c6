package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrTemporary             = errors.New("temporary failure")
	ErrExtractionFailed      = errors.New("extraction failed")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrStageTimeout          = errors.New("stage timeout")
	ErrAlreadyInFlight       = errors.New("processing already in flight")
	ErrConflict              = errors.New("conflict")
	ErrCancelled             = errors.New("processing cancelled")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Stage error kinds recorded on a ProcessingRecord.
const (
	ErrorKindExtractionFailure     = "extraction_failure"
	ErrorKindLowConfidence         = "low_confidence_classification"
	ErrorKindPartialEntityFailure  = "partial_entity_failure"
	ErrorKindDependencyUnavailable = "dependency_unavailable"
	ErrorKindStageTimeout          = "stage_timeout"
	ErrorKindStageError            = "stage_error"
	ErrorKindCancelled             = "cancelled"
)

const (
	ReasonNoEngineProducedText = "no_engine_produced_text"
	ReasonStageTimeout         = "stage_timeout"
	ReasonSourceUnavailable    = "source_unavailable"
	ReasonCancelled            = "cancelled"
	ReasonEnqueueFailed        = "enqueue_failed"
	ReasonRunTimeout           = "run_timeout"
)

type StageError struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// StageErrorFrom maps err onto the stage error taxonomy.
func StageErrorFrom(err error) *StageError {
	if err == nil {
		return nil
	}
	switch {
	case IsKind(err, ErrStageTimeout):
		return &StageError{Kind: ErrorKindStageTimeout, Reason: ReasonStageTimeout, Message: err.Error()}
	case IsKind(err, ErrExtractionFailed):
		return &StageError{Kind: ErrorKindExtractionFailure, Reason: ReasonNoEngineProducedText, Message: err.Error()}
	case IsKind(err, ErrDependencyUnavailable):
		return &StageError{Kind: ErrorKindDependencyUnavailable, Message: err.Error()}
	case IsKind(err, ErrCancelled):
		return &StageError{Kind: ErrorKindCancelled, Reason: ReasonCancelled, Message: err.Error()}
	default:
		return &StageError{Kind: ErrorKindStageError, Message: err.Error()}
	}
}
