package core

import (
	"errors"
	"fmt"
)

// ErrRunCancelled marks a run that was stopped by its context.
var ErrRunCancelled = errors.New("run cancelled")

// SetupFailedError is returned when the run could not be prepared (workspace
// or environment context). No stage runs.
type SetupFailedError struct {
	Cause error
}

func (e *SetupFailedError) Error() string {
	return fmt.Sprintf("setup failed: %v", e.Cause)
}

func (e *SetupFailedError) Unwrap() error { return e.Cause }

// StageFailedError names the first stage whose steps did not all succeed.
type StageFailedError struct {
	Stage string
	Cause error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Cause)
}

func (e *StageFailedError) Unwrap() error { return e.Cause }

// EpilogueFailedError is a warning: the cleanup failed but the run status
// stands.
type EpilogueFailedError struct {
	Cause error
}

func (e *EpilogueFailedError) Error() string {
	return fmt.Sprintf("epilogue failed: %v", e.Cause)
}

func (e *EpilogueFailedError) Unwrap() error { return e.Cause }

// PollFailedError wraps a change source error. The scheduler retries on the
// next tick.
type PollFailedError struct {
	Cause error
}

func (e *PollFailedError) Error() string {
	return fmt.Sprintf("poll failed: %v", e.Cause)
}

func (e *PollFailedError) Unwrap() error { return e.Cause }
