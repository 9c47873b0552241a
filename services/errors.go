package services

import (
	"context"
	"errors"
	"fmt"

	"storyreel/models"
)

// ErrorKind classifies a terminal pipeline failure
type ErrorKind string

const (
	KindInvalidInput            ErrorKind = "InvalidInput"
	KindSynthesisFailed         ErrorKind = "SynthesisFailed"
	KindCaptionDerivationFailed ErrorKind = "CaptionDerivationFailed"
	KindCompositionFailed       ErrorKind = "CompositionFailed"
	KindTimeout                 ErrorKind = "Timeout"
	KindCancelled               ErrorKind = "Cancelled"
)

// Sentinels for errors.Is; they match any PipelineError of the same kind
var (
	ErrInvalidInput            = &PipelineError{Kind: KindInvalidInput}
	ErrSynthesisFailed         = &PipelineError{Kind: KindSynthesisFailed}
	ErrCaptionDerivationFailed = &PipelineError{Kind: KindCaptionDerivationFailed}
	ErrCompositionFailed       = &PipelineError{Kind: KindCompositionFailed}
	ErrTimeout                 = &PipelineError{Kind: KindTimeout}
	ErrCancelled               = &PipelineError{Kind: KindCancelled}
)

// PipelineError is the single error a run reports to its caller
type PipelineError struct {
	Stage   models.Stage
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage %s)", msg, e.Stage)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches on kind so callers can test against the sentinels
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a pipeline error, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func newError(stage models.Stage, kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Kind: kind, Message: message, Err: err}
}

// stageError maps a failure inside a stage to its kind. A done context wins over the
// stage's own kind: deadline becomes Timeout, cancellation becomes Cancelled.
func stageError(ctx context.Context, stage models.Stage, kind ErrorKind, message string, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) && (pe.Kind == KindTimeout || pe.Kind == KindCancelled) {
		return pe
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return newError(stage, KindTimeout, message+": timed out", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return newError(stage, KindCancelled, message+": cancelled", err)
	}
	return newError(stage, kind, message, err)
}
