package httprequest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/steps/httprequest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompensator_PostsTransaction(t *testing.T) {
	t.Parallel()

	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tx-1:cleanup_resources", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	compensator := httprequest.NewCompensator(time.Second)

	err := compensator.Compensate(context.Background(),
		models.Transaction{ID: "tx-1", NodeID: "upload"},
		models.CompensationAction{
			ServiceID:  httprequest.CompensatorID,
			Action:     models.CompensateCleanupResources,
			Parameters: map[string]any{"url": server.URL},
		})
	require.NoError(t, err)

	transaction := received["transaction"].(map[string]any)
	assert.Equal(t, "upload", transaction["node_id"])
}

func TestCompensator_Errors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bucket locked", http.StatusConflict)
	}))
	defer server.Close()

	compensator := httprequest.NewCompensator(time.Second)

	err := compensator.Compensate(context.Background(), models.Transaction{ID: "tx-1"}, models.CompensationAction{})
	require.ErrorIs(t, err, httprequest.ErrMissingURL)

	err = compensator.Compensate(context.Background(), models.Transaction{ID: "tx-1"}, models.CompensationAction{
		Parameters: map[string]any{"url": server.URL},
	})

	var httpErr *httprequest.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)
	assert.Contains(t, httpErr.Message, "bucket locked")
}
