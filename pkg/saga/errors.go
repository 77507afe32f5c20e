package saga

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/agentflow/pkg/models"
)

var (
	ErrDependencyViolation = errors.New("dependency violation")
	ErrInvalidTransition   = errors.New("invalid transaction transition")
	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrCompensation        = errors.New("compensation failed")
)

// DependencyViolation is raised when a transaction is started before one of
// its dependencies completed. It signals a scheduling bug and is fatal.
type DependencyViolation struct {
	TransactionID string
	DependencyID  string
	Status        models.TransactionStatus
}

func (e *DependencyViolation) Error() string {
	return fmt.Sprintf("transaction %s started while dependency %s is %s", e.TransactionID, e.DependencyID, e.Status)
}

func (e *DependencyViolation) Is(target error) bool {
	return target == ErrDependencyViolation
}

type TransitionError struct {
	TransactionID string
	From          models.TransactionStatus
	To            models.TransactionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transaction %s cannot move from %s to %s", e.TransactionID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CompensationError aggregates the compensation actions that failed during
// one unwind. It never replaces the failure that triggered the unwind.
type CompensationError struct {
	Failures []models.CompensationRecord
}

func (e *CompensationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", failure.NodeID, failure.ServiceID, failure.Error))
	}

	return fmt.Sprintf("%d compensation(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensation
}
