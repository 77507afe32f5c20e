package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// CompensatorID is the service id the HTTP compensator is registered under.
const CompensatorID = "http"

var ErrMissingURL = errors.New("compensation parameters require 'url'")

// Compensator asks a remote service to undo a transaction by POSTing the
// transaction and the action to the "url" parameter of the action. The
// remote side must be idempotent: a compensation may be delivered again
// after a crash.
type Compensator struct {
	client *http.Client
}

func NewCompensator(timeout time.Duration) *Compensator {
	return &Compensator{client: &http.Client{Timeout: timeout}}
}

type compensationRequest struct {
	Transaction models.Transaction        `json:"transaction"`
	Action      models.CompensationAction `json:"action"`
}

func (c *Compensator) Compensate(ctx context.Context, tx models.Transaction, action models.CompensationAction) error {
	url, ok := action.Parameters["url"].(string)
	if !ok || url == "" {
		return ErrMissingURL
	}

	body, err := json.Marshal(compensationRequest{Transaction: tx, Action: action})
	if err != nil {
		return fmt.Errorf("failed to encode compensation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", tx.ID+":"+string(action.Action))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("compensation request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &HTTPError{StatusCode: resp.StatusCode, Message: string(message)}
	}

	return nil
}
