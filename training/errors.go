package training

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the trainer matches one of them with
// errors.Is.
var (
	// ErrDataExhausted is never fatal: datasets wrap around. It is only
	// returned when a dataset fails to produce a batch at all.
	ErrDataExhausted = errors.New("dataset exhausted")

	// ErrNumericalInstability reports a non-finite loss or gradient under
	// the halt policy.
	ErrNumericalInstability = errors.New("numerical instability")

	// ErrSamplingFailed is logged by the scheduler and never stops training.
	ErrSamplingFailed = errors.New("sampling failed")

	// ErrCheckpointIO is fatal when restoring, non-fatal for periodic saves.
	ErrCheckpointIO = errors.New("checkpoint I/O failure")

	// ErrConfiguration is reported before the first step.
	ErrConfiguration = errors.New("configuration error")
)

// StepError wraps a failure with the step counter and phase it happened in.
type StepError struct {
	Kind  error
	Step  int
	Phase Phase
	Err   error
}

func (e *StepError) Error() string {
	if e.Kind == nil {
		return fmt.Sprintf("step %d (%s): %v", e.Step, e.Phase, e.Err)
	}
	return fmt.Sprintf("step %d (%s): %v: %v", e.Step, e.Phase, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StepError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Kind, e.Err} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func stepError(kind error, step int, phase Phase, err error) error {
	return &StepError{Kind: kind, Step: step, Phase: phase, Err: err}
}
