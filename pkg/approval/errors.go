package approval

import "errors"

var (
	ErrTokenNotFound  = errors.New("approval token not found")
	ErrInvalidTimeout = errors.New("approval stage timeout must be positive")
	ErrGateExists     = errors.New("transaction already has an open gate")
)
