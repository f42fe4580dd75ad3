package flow

import (
	"errors"
	"fmt"
)

// ValidationError reports a caller fault detected before any external
// call was made or any event published.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a caller fault.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StepError identifies which mandatory protocol step failed. Events
// already published before the failure remain visible to observers;
// the partial trace is intentional.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the name of the step that failed, or "" when err
// carries no step identity.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

func stepErrorf(step string, err error) *StepError {
	return &StepError{Step: step, Err: err}
}
