// Package persistence defines the blob store boundary used to keep run state
// (gate checkpoints, run manifests and context snapshots) across process
// restarts.
package persistence

import (
	"context"
	"strings"
)

// Store saves opaque blobs under string keys. Load returns ErrNotFound for
// unknown keys.
type Store interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys that start with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close(ctx context.Context) error
}

const (
	CheckpointPrefix = "checkpoint/"
	ContextPrefix    = "context/"
	RunPrefix        = "run/"
)

func CheckpointKey(transactionID string) string {
	return CheckpointPrefix + transactionID
}

func ContextKey(runID string) string {
	return ContextPrefix + runID
}

func RunKey(runID string) string {
	return RunPrefix + runID
}

// ValidateKey rejects keys that are empty or could escape a storage namespace.
func ValidateKey(key string) error {
	if key == "" {
		return NewKeyError("validate", key, ErrInvalidKey)
	}

	if strings.Contains(key, "..") || strings.Contains(key, "\\") ||
		strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return NewKeyError("validate", key, ErrInvalidKey)
	}

	return nil
}
