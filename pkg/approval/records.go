package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/saga"
)

// Records reads every gate persisted in store, resolved or not. Processes that
// do not own the gates (the API) use it to answer queries.
func Records(ctx context.Context, store persistence.Store) ([]GateRecord, error) {
	checkpoints, err := saga.ListCheckpoints(ctx, store)
	if err != nil {
		return nil, err
	}

	records := make([]GateRecord, 0, len(checkpoints))

	for _, checkpoint := range checkpoints {
		record, ok, err := recordOf(checkpoint)
		if err != nil {
			return nil, err
		}

		if ok {
			records = append(records, record)
		}
	}

	return records, nil
}

// FindRecord returns the persisted gate holding token.
func FindRecord(ctx context.Context, store persistence.Store, token string) (GateRecord, error) {
	records, err := Records(ctx, store)
	if err != nil {
		return GateRecord{}, err
	}

	for _, record := range records {
		if record.Token.Token == token {
			return record, nil
		}
	}

	return GateRecord{}, fmt.Errorf("%w: %s", ErrTokenNotFound, token)
}

func recordOf(checkpoint models.Checkpoint) (GateRecord, bool, error) {
	if len(checkpoint.State) == 0 {
		return GateRecord{}, false, nil
	}

	var record GateRecord

	err := json.Unmarshal(checkpoint.State, &record)
	if err != nil {
		return GateRecord{}, false, fmt.Errorf("failed to decode gate state of %s: %w", checkpoint.TransactionID, err)
	}

	return record, record.Token.Token != "", nil
}
