package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/badger"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/persistence/postgresql"
	"github.com/dukex/agentflow/pkg/persistence/redis"
)

// NewPersistence opens the store named by databaseURL:
//
//	file://<dir> or a bare path   JSON files under dir
//	postgres://, postgresql://    run_state table
//	redis://, rediss://           keys under the agentflow: namespace
//	badger://<dir>                embedded BadgerDB; badger://memory keeps nothing on disk
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Store, error) {
	provider, rest := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return opened(postgresql.NewStore(ctx, logger.With("module", "postgresql"), databaseURL))
	case "redis", "rediss":
		return opened(redis.NewStore(ctx, databaseURL))
	case "badger":
		cfg := badger.DefaultConfig(rest)
		if rest == "memory" {
			cfg = badger.InMemoryConfig()
		}

		cfg.Logger = logger.With("module", "badger")

		return opened(badger.Open(cfg))
	case "file":
		if rest == "" {
			return nil, fmt.Errorf("file persistence requires a directory: %q", databaseURL)
		}

		return file.NewStore(rest), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q", provider)
	}
}

// opened keeps a failed constructor from yielding a non-nil interface
// holding a nil pointer.
func opened[T persistence.Store](store T, err error) (persistence.Store, error) {
	if err != nil {
		return nil, err
	}

	return store, nil
}

func parsePersistenceProvider(databaseURL string) (string, string) {
	provider, rest, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", databaseURL
	}

	return provider, rest
}
