package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/dag"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/dukex/agentflow/pkg/saga"
	"github.com/dukex/agentflow/pkg/workflow"
)

// WorkerManager turns run.requested events into executor runs and delivers
// decision.submitted events to the gates this worker owns. Both events are
// keyed by run id, so with Kafka they reach the worker consuming the run's
// partition.
type WorkerManager struct {
	id       string
	logger   *slog.Logger
	store    persistence.Store
	eventBus eventbus.EventBus
	executor *workflow.Executor
	sweeper  *approval.Sweeper

	runCtx    context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	active    map[string]bool
}

func NewWorkerManager(
	id string,
	store persistence.Store,
	eventBus eventbus.EventBus,
	executor *workflow.Executor,
	sweepSchedule string,
	logger *slog.Logger,
) *WorkerManager {
	runCtx, cancel := context.WithCancel(context.Background())

	return &WorkerManager{
		id:        id,
		logger:    logger.With("module", "agentflow-worker", "worker_id", id),
		store:     store,
		eventBus:  eventBus,
		executor:  executor,
		sweeper:   approval.NewSweeper(executor.Gates(), store, sweepSchedule, logger),
		runCtx:    runCtx,
		cancelAll: cancel,
		active:    make(map[string]bool),
	}
}

// Start resumes persisted gates, unwinds the runs a previous process left
// unfinished, registers handlers and subscribes. It returns once subscribed;
// Stop shuts the worker down.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.resumeGates(ctx)
	if err != nil {
		return err
	}

	_, err = w.executor.Recover(ctx)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.RunRequestedEvent, w.handleRunRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.DecisionSubmittedEvent, w.handleDecisionSubmitted)
	if err != nil {
		return err
	}

	err = w.sweeper.Start(ctx)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

// Stop cancels in-flight runs, which compensates their completed work, and
// waits for them to finish.
func (w *WorkerManager) Stop() {
	w.logger.Info("Shutting down worker...")

	w.sweeper.Stop()
	w.cancelAll()
	w.wg.Wait()
}

// resumeGates re-arms gates left open by a previous process so decisions and
// expiry keep resolving their checkpoints.
func (w *WorkerManager) resumeGates(ctx context.Context) error {
	checkpoints, err := saga.ListCheckpoints(ctx, w.store)
	if err != nil {
		return err
	}

	var gates protocol.Resumable = w.executor.Gates()

	for _, checkpoint := range checkpoints {
		err := gates.Resume(ctx, checkpoint)
		if err != nil {
			w.logger.WarnContext(ctx, "Failed to resume gate", "transaction_id", checkpoint.TransactionID, "error", err)
		}
	}

	return nil
}

func (w *WorkerManager) handleRunRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.RunRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunRequested")

		return nil
	}

	logger := w.logger.With("run_id", requested.RunID, "dag_id", requested.Definition.ID, "event_id", requested.ID)

	if !w.claim(requested.RunID) {
		logger.InfoContext(ctx, "Skipping duplicate run request")

		return nil
	}

	_, err := w.store.Load(ctx, persistence.ContextKey(requested.RunID))
	if err == nil {
		w.release(requested.RunID)
		logger.InfoContext(ctx, "Skipping run that already finished")

		return nil
	}

	logger.InfoContext(ctx, "Processing run requested event")

	def := requested.Definition
	input := requested.Input

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer w.release(requested.RunID)

		result, err := w.executor.Run(w.runCtx, &def, input, workflow.WithRunID(requested.RunID))

		switch {
		case dag.IsStructural(err):
			logger.WarnContext(w.runCtx, "Rejected run with invalid definition", "error", err)
		case err != nil:
			logger.ErrorContext(w.runCtx, "Run failed to execute", "error", err)
		default:
			logger.InfoContext(w.runCtx, "Run finished", "status", result.Status)
		}
	}()

	return nil
}

func (w *WorkerManager) handleDecisionSubmitted(ctx context.Context, event any) error {
	submitted, ok := event.(*events.DecisionSubmitted)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for DecisionSubmitted")

		return nil
	}

	logger := w.logger.With("run_id", submitted.RunID, "token", submitted.Token)

	accepted, err := w.executor.Gates().Decide(ctx, submitted.Token, submitted.Decision)

	switch {
	case errors.Is(err, approval.ErrTokenNotFound):
		logger.DebugContext(ctx, "Decision for a gate owned elsewhere")

		return nil
	case err != nil:
		logger.WarnContext(ctx, "Rejected decision", "error", err)

		return nil
	case !accepted:
		logger.InfoContext(ctx, "Decision arrived after the gate resolved")
	default:
		logger.InfoContext(ctx, "Decision delivered", "decision", submitted.Decision.Decision)
	}

	return nil
}

func (w *WorkerManager) claim(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active[runID] {
		return false
	}

	w.active[runID] = true

	return true
}

func (w *WorkerManager) release(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.active, runID)
}
