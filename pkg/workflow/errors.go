package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStepExecution = errors.New("step execution failed")
	ErrTimeout       = errors.New("deadline exceeded")
	ErrGateRejected  = errors.New("approval rejected")
	ErrCancelled     = errors.New("run cancelled")
	ErrNoExit        = errors.New("no exit node completed")
)

// StepExecutionError reports a step that returned failure or an error. It is
// scoped to its branch and recovered through compensation.
type StepExecutionError struct {
	NodeID  string
	StepRef string
	Message string
	Err     error
}

func (e *StepExecutionError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = e.Err.Error()
	}

	if e.StepRef == "" {
		return fmt.Sprintf("node %s failed: %s", e.NodeID, msg)
	}

	return fmt.Sprintf("node %s (step %s) failed: %s", e.NodeID, e.StepRef, msg)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

func (e *StepExecutionError) Is(target error) bool {
	return target == ErrStepExecution
}

// TimeoutError is a StepExecutionError raised by a node or approval-stage
// deadline. It matches both ErrTimeout and ErrStepExecution.
type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
	Stage   string
}

func (e *TimeoutError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("node %s: approval stage %s expired after %s", e.NodeID, e.Stage, e.Timeout)
	}

	return fmt.Sprintf("node %s timed out after %s", e.NodeID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrStepExecution
}
