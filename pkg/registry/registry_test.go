package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/dukex/agentflow/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prefixFactory struct{}

func (prefixFactory) ID() string { return "prefix" }

func (prefixFactory) Create(config map[string]any) (protocol.Invocable, error) {
	prefix, _ := config["prefix"].(string)
	if prefix == "" {
		return nil, errors.New("prefix is required")
	}

	return protocol.InvokerFunc(func(_ context.Context, task models.TaskDescriptor) (models.StepResult, error) {
		return models.StepResult{Success: true, Result: prefix + task.ID}, nil
	}), nil
}

func TestRegistry_Steps(t *testing.T) {
	t.Parallel()

	reg := registry.NewRegistry(log.Discard())
	reg.RegisterStep("echo", protocol.InvokerFunc(func(_ context.Context, task models.TaskDescriptor) (models.StepResult, error) {
		return models.StepResult{Success: true, Result: task.Input}, nil
	}))
	reg.RegisterFactory(prefixFactory{})

	assert.Equal(t, []string{"echo", "prefix"}, reg.Steps())
	assert.True(t, reg.HasStep("prefix"))
	assert.False(t, reg.HasStep("missing"))

	step, err := reg.Step("prefix", map[string]any{"prefix": "tx-"})
	require.NoError(t, err)

	result, err := step.Invoke(context.Background(), models.TaskDescriptor{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", result.Result)

	_, err = reg.Step("prefix", nil)
	assert.ErrorContains(t, err, "prefix is required")

	_, err = reg.Step("missing", nil)
	assert.ErrorIs(t, err, registry.ErrStepNotRegistered)
}

func TestRegistry_Compensate(t *testing.T) {
	t.Parallel()

	reg := registry.NewRegistry(log.Discard())

	var got models.CompensationAction

	reg.RegisterCompensator("storage", protocol.CompensatorFunc(
		func(_ context.Context, _ models.Transaction, action models.CompensationAction) error {
			got = action

			return nil
		}))

	action := models.CompensationAction{ServiceID: "storage", Action: models.CompensateCleanupResources}

	require.NoError(t, reg.Compensate(context.Background(), models.Transaction{ID: "tx"}, action))
	assert.Equal(t, action, got)

	err := reg.Compensate(context.Background(), models.Transaction{}, models.CompensationAction{ServiceID: "nobody"})
	assert.ErrorIs(t, err, registry.ErrCompensatorNotRegistered)
}

func TestRegistry_LoadStepPluginsEmptyDir(t *testing.T) {
	t.Parallel()

	reg := registry.NewRegistry(log.Discard())

	require.NoError(t, reg.LoadStepPlugins(t.TempDir()))
	assert.Empty(t, reg.Steps())
}

func TestTimed_FillsExecutionTime(t *testing.T) {
	t.Parallel()

	step := protocol.InvokerFunc(func(_ context.Context, _ models.TaskDescriptor) (models.StepResult, error) {
		return models.StepResult{Success: true, ExecutionTimeMs: 42}, nil
	})

	result, err := protocol.Timed(context.Background(), step, models.TaskDescriptor{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.ExecutionTimeMs)
}
