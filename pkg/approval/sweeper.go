package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/saga"
	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 1m"

// Sweeper expires persisted gates that no process is tracking anymore and
// whose deadline has passed.
type Sweeper struct {
	manager  *Manager
	store    persistence.Store
	schedule string
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(manager *Manager, store persistence.Store, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	return &Sweeper{
		manager:  manager,
		store:    store,
		schedule: schedule,
		logger:   logger.With("module", "approval_sweeper"),
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := c.AddFunc(s.schedule, func() {
		expired, err := s.Sweep(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Gate sweep failed", "error", err)

			return
		}

		if expired > 0 {
			s.logger.InfoContext(ctx, "Expired orphaned gates", "count", expired)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c

	s.logger.InfoContext(ctx, "Gate sweeper started", "schedule", s.schedule)

	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep runs one pass and returns how many gates it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	checkpoints, err := saga.ListCheckpoints(ctx, s.store)
	if err != nil {
		return 0, err
	}

	now := s.manager.now()
	expired := 0

	for _, checkpoint := range checkpoints {
		if !checkpoint.CanResume || len(checkpoint.State) == 0 {
			continue
		}

		var state GateRecord

		err := json.Unmarshal(checkpoint.State, &state)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping undecodable gate state", "transaction_id", checkpoint.TransactionID, "error", err)

			continue
		}

		if state.Status.Resolved() || state.Token.Token == "" || now.Before(state.Token.ExpiresAt) {
			continue
		}

		if s.manager.live(state.Token.Token) {
			continue
		}

		state.Status = models.GateExpired

		err = writeGateCheckpoint(ctx, s.store, checkpoint, state, now)
		if err != nil {
			return expired, err
		}

		expired++

		s.manager.publish(ctx, state.Token.RunID, events.ApprovalResolved{
			BaseEvent:     events.NewBaseEvent(events.ApprovalResolvedEvent, state.Token.RunID),
			Token:         state.Token.Token,
			TransactionID: state.Token.TransactionID,
			NodeID:        state.Token.NodeID,
			Status:        models.GateExpired,
		})
	}

	return expired, nil
}
