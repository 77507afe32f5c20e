// Package postgresql provides a PostgreSQL-backed persistence store.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects, pings and migrates the run_state table.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

func (s *Store) Save(ctx context.Context, key string, blob []byte) error {
	err := persistence.ValidateKey(key)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_state (key, blob) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = NOW()
	`, key, blob)
	if err != nil {
		return persistence.NewKeyError("save", key, err)
	}

	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var blob []byte

	err := s.db.QueryRowContext(ctx, "SELECT blob FROM run_state WHERE key = $1", key).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewKeyError("load", key, persistence.ErrNotFound)
		}

		return nil, persistence.NewKeyError("load", key, err)
	}

	return blob, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_state WHERE key = $1", key)
	if err != nil {
		return persistence.NewKeyError("delete", key, err)
	}

	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM run_state WHERE key LIKE $1 ESCAPE '\' ORDER BY key`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %q: %w", prefix, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var keys []string

	for rows.Next() {
		var key string

		err := rows.Scan(&key)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

func escapeLike(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

	return replacer.Replace(prefix)
}
