// Package redis provides a Redis-backed persistence store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "agentflow:"

type Store struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

type Option func(*Store)

// WithNamespace prefixes every key stored in Redis.
func WithNamespace(namespace string) Option {
	return func(s *Store) { s.namespace = namespace }
}

// WithTTL expires blobs after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore connects using a redis:// URL and verifies the connection.
func NewStore(ctx context.Context, url string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	store := NewStoreWithClient(redis.NewClient(options), opts...)

	err = store.client.Ping(ctx).Err()
	if err != nil {
		_ = store.client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return store, nil
}

func NewStoreWithClient(client redis.UniversalClient, opts ...Option) *Store {
	store := &Store{client: client, namespace: defaultNamespace}
	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *Store) Save(ctx context.Context, key string, blob []byte) error {
	err := persistence.ValidateKey(key)
	if err != nil {
		return err
	}

	err = s.client.Set(ctx, s.namespace+key, blob, s.ttl).Err()
	if err != nil {
		return persistence.NewKeyError("save", key, err)
	}

	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewKeyError("load", key, persistence.ErrNotFound)
		}

		return nil, persistence.NewKeyError("load", key, err)
	}

	return blob, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.namespace+key).Err()
	if err != nil {
		return persistence.NewKeyError("delete", key, err)
	}

	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	pattern := s.namespace + escapeGlob(prefix) + "*"

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys with prefix %q: %w", prefix, err)
		}

		for _, key := range batch {
			keys = append(keys, strings.TrimPrefix(key, s.namespace))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Close()
}

func escapeGlob(prefix string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

	return replacer.Replace(prefix)
}
