package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no blob is stored under the requested key.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidKey indicates a key that is empty or unsafe for the backend.
	ErrInvalidKey = errors.New("invalid key")
)

// KeyError wraps a backend error with the operation and key involved.
type KeyError struct {
	Op  string // Operation being performed (e.g., "save", "load")
	Key string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

func (e *KeyError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewKeyError(op, key string, err error) *KeyError {
	return &KeyError{Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
