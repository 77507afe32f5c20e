package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of persistence.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, key string, blob []byte) error {
	args := m.Called(ctx, key, blob)

	return args.Error(0)
}

func (m *MockStore) Load(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)

	blob, _ := args.Get(0).([]byte)

	return blob, args.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)

	return args.Error(0)
}

func (m *MockStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)

	keys, _ := args.Get(0).([]string)

	return keys, args.Error(1)
}

func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
