// Package file provides a filesystem-backed persistence store. Each key maps
// to one JSON-agnostic blob file under the root directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dukex/agentflow/pkg/persistence"
)

const blobExt = ".blob"

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+blobExt)
}

func (s *Store) Save(ctx context.Context, key string, blob []byte) error {
	err := persistence.ValidateKey(key)
	if err != nil {
		return err
	}

	target := s.path(key)

	err = os.MkdirAll(filepath.Dir(target), 0750)
	if err != nil {
		return persistence.NewKeyError("save", key, fmt.Errorf("failed to create directory: %w", err))
	}

	// Write then rename so readers never observe a half-written blob.
	tmp := target + ".tmp"

	err = os.WriteFile(tmp, blob, 0600)
	if err != nil {
		return persistence.NewKeyError("save", key, err)
	}

	err = os.Rename(tmp, target)
	if err != nil {
		_ = os.Remove(tmp)

		return persistence.NewKeyError("save", key, err)
	}

	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	err := persistence.ValidateKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key)) // #nosec G304 -- key validated against traversal
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewKeyError("load", key, persistence.ErrNotFound)
		}

		return nil, persistence.NewKeyError("load", key, err)
	}

	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := persistence.ValidateKey(key)
	if err != nil {
		return err
	}

	err = os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return persistence.NewKeyError("delete", key, err)
	}

	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fs.SkipAll
			}

			return err
		}

		if entry.IsDir() || !strings.HasSuffix(path, blobExt) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}

		key := strings.TrimSuffix(filepath.ToSlash(rel), blobExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %q: %w", prefix, err)
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}
