package saga_test

import (
	"context"
	"testing"

	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ManifestTracksCompletedWork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewStore(t.TempDir())
	m := saga.NewManager("run-1", &recordingCompensator{}, store, log.Discard())
	m.SetOwner("worker-1")

	a := create(t, m, "A")
	b := create(t, m, "B", a)
	run(t, m, a, true)

	manifest, err := saga.LoadManifest(ctx, store, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", manifest.Owner)
	require.Len(t, manifest.Transactions, 1)
	assert.Equal(t, "A", manifest.Transactions[0].NodeID)

	run(t, m, b, true)

	_, err = m.CompensateAll(ctx)
	require.NoError(t, err)

	manifest, err = saga.LoadManifest(ctx, store, "run-1")
	require.NoError(t, err)
	assert.Empty(t, manifest.Transactions)

	m.Discard(ctx)

	_, err = saga.LoadManifest(ctx, store, "run-1")
	assert.True(t, persistence.IsNotFound(err))
}

// interrupted leaves a run with completed work behind, as a crashed process would.
func interrupted(t *testing.T, store persistence.Store, runID, owner string, nodes ...string) {
	t.Helper()

	m := saga.NewManager(runID, &recordingCompensator{}, store, log.Discard())
	m.SetOwner(owner)

	var previous []string

	for _, node := range nodes {
		id := create(t, m, node, previous...)
		run(t, m, id, true)
		previous = []string{id}
	}
}

func TestRecover_UnwindsInterruptedRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewStore(t.TempDir())

	interrupted(t, store, "run-1", "worker-1", "A", "B", "C")
	interrupted(t, store, "run-2", "worker-2", "X")
	interrupted(t, store, "run-3", "worker-1", "Y")
	require.NoError(t, store.Save(ctx, persistence.ContextKey("run-3"), []byte(`{}`)))

	comp := &recordingCompensator{}

	recovered, err := saga.Recover(ctx, store, "worker-1", comp, log.Discard())
	require.NoError(t, err)

	assert.Equal(t, []string{"run-1"}, recovered)
	assert.Equal(t, []string{"C", "B", "A"}, comp.calls())

	_, err = saga.LoadManifest(ctx, store, "run-1")
	assert.True(t, persistence.IsNotFound(err))

	_, err = saga.LoadManifest(ctx, store, "run-3")
	assert.True(t, persistence.IsNotFound(err), "a finished run only loses its manifest")

	other, err := saga.LoadManifest(ctx, store, "run-2")
	require.NoError(t, err)
	assert.Len(t, other.Transactions, 1)

	recovered, err = saga.Recover(ctx, store, "worker-1", comp, log.Discard())
	require.NoError(t, err)
	assert.Empty(t, recovered)
	assert.Len(t, comp.calls(), 3)
}
