package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// StepFunc computes a result from the task it receives.
type StepFunc func(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error)

// RecordingStep records every task it is invoked with and delegates to Fn.
// A nil Fn echoes the task input back as a successful result.
type RecordingStep struct {
	Fn    StepFunc
	Delay time.Duration

	mu    sync.Mutex
	tasks []models.TaskDescriptor
}

func (s *RecordingStep) Invoke(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return models.StepResult{}, ctx.Err()
		}
	}

	if s.Fn == nil {
		return models.StepResult{Success: true, Result: task.Input}, nil
	}

	return s.Fn(ctx, task)
}

func (s *RecordingStep) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

func (s *RecordingStep) Tasks() []models.TaskDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.TaskDescriptor(nil), s.tasks...)
}

// StaticStep always succeeds with result.
func StaticStep(result any) *RecordingStep {
	return &RecordingStep{Fn: func(context.Context, models.TaskDescriptor) (models.StepResult, error) {
		return models.StepResult{Success: true, Result: result}, nil
	}}
}

// FailingStep always reports failure with message.
func FailingStep(message string) *RecordingStep {
	return &RecordingStep{Fn: func(context.Context, models.TaskDescriptor) (models.StepResult, error) {
		return models.StepResult{Success: false, Error: message}, nil
	}}
}

// ErroringStep returns err from Invoke.
func ErroringStep(err error) *RecordingStep {
	return &RecordingStep{Fn: func(context.Context, models.TaskDescriptor) (models.StepResult, error) {
		return models.StepResult{}, err
	}}
}

// ScriptedStep answers with results in order and repeats the last one once
// the script runs out.
func ScriptedStep(results ...any) *RecordingStep {
	var (
		mu   sync.Mutex
		next int
	)

	return &RecordingStep{Fn: func(context.Context, models.TaskDescriptor) (models.StepResult, error) {
		if len(results) == 0 {
			return models.StepResult{}, errors.New("empty script")
		}

		mu.Lock()
		defer mu.Unlock()

		result := results[min(next, len(results)-1)]
		next++

		return models.StepResult{Success: true, Result: result}, nil
	}}
}

// BlockingStep waits until release is closed or ctx ends.
func BlockingStep(release <-chan struct{}, result any) *RecordingStep {
	return &RecordingStep{Fn: func(ctx context.Context, _ models.TaskDescriptor) (models.StepResult, error) {
		select {
		case <-release:
			return models.StepResult{Success: true, Result: result}, nil
		case <-ctx.Done():
			return models.StepResult{}, ctx.Err()
		}
	}}
}
