package domain

import (
	"errors"
	"fmt"
)

// Stage is a step of the ingestion state machine
type Stage string

const (
	StageReceived Stage = "received"
	StageLoaded   Stage = "loaded"
	StageChunked  Stage = "chunked"
	StageEmbedded Stage = "embedded"
	StageIndexed  Stage = "indexed"
)

// ErrorClass decides whether a failed job is acked as failed or nacked
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassFatal     ErrorClass = "fatal"
)

// PipelineError is a classified failure raised while moving out of Stage.
type PipelineError struct {
	Stage Stage
	Class ErrorClass
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Class, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Fatal classifies err as non-retryable.
func Fatal(stage Stage, err error) error {
	return &PipelineError{Stage: stage, Class: ClassFatal, Err: err}
}

// Transient classifies err as retryable through queue redelivery.
func Transient(stage Stage, err error) error {
	return &PipelineError{Stage: stage, Class: ClassTransient, Err: err}
}

// Classify wraps err with the class its cause implies. Errors that are
// already classified are returned unchanged.
func Classify(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	if isFatalCause(err) {
		return Fatal(stage, err)
	}
	return Transient(stage, err)
}

// ClassOf returns the class of err. Unclassified errors count as transient
// unless their cause is fatal by nature.
func ClassOf(err error) ErrorClass {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if isFatalCause(err) {
		return ClassFatal
	}
	return ClassTransient
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}

// StageOf returns the stage recorded on a classified error.
func StageOf(err error) Stage {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return StageReceived
}

func isFatalCause(err error) bool {
	switch {
	case errors.Is(err, ErrSourceMissing),
		errors.Is(err, ErrEmptyDocument),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrDimensionMismatch),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotConfigured):
		return true
	}
	return false
}
