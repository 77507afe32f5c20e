package workflow

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// BranchFailurePolicy decides what a failed branch does to its siblings.
type BranchFailurePolicy string

const (
	// PolicyContinue compensates the failed branch and lets independent
	// branches keep running.
	PolicyContinue BranchFailurePolicy = "continue"
	// PolicyAbort stops scheduling and compensates every completed transaction.
	PolicyAbort BranchFailurePolicy = "abort"
)

type Config struct {
	NodeTimeout         time.Duration       `validate:"gt=0"`
	DelegateTimeout     time.Duration       `validate:"gt=0"`
	GateTimeout         time.Duration       `validate:"gt=0"`
	MaxParallel         int                 `validate:"gte=1"`
	DelegateConcurrency int                 `validate:"gte=1"`
	BatchLimit          int                 `validate:"gte=1"`
	BranchFailurePolicy BranchFailurePolicy `validate:"oneof=continue abort"`
	WorkerID            string
}

func DefaultConfig() Config {
	return Config{
		NodeTimeout:         2 * time.Minute,
		DelegateTimeout:     10 * time.Minute,
		GateTimeout:         24 * time.Hour,
		MaxParallel:         8,
		DelegateConcurrency: 1,
		BatchLimit:          10,
		BranchFailurePolicy: PolicyContinue,
	}
}

func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err != nil {
		return fmt.Errorf("invalid workflow config: %w", err)
	}

	return nil
}
