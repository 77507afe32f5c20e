// Package workflow executes validated DAGs under SAGA discipline: ready nodes
// run through a strategy chosen by their flow type, outcomes are recorded as
// transactions and failed branches are compensated.
package workflow

import (
	"context"
	"log/slog"

	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/coordinator"
	"github.com/dukex/agentflow/pkg/dag"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/otelhelper"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/dukex/agentflow/pkg/saga"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Steps resolves step references and compensates transactions. The registry
// satisfies it.
type Steps interface {
	coordinator.StepResolver
	protocol.Compensable
}

type Executor struct {
	steps       Steps
	config      Config
	logger      *slog.Logger
	publisher   eventbus.EventPublisher
	store       persistence.Store
	gates       *approval.Manager
	coordinator *coordinator.Loop
	tracer      trace.Tracer
	metrics     *otelhelper.Metrics
	strategies  map[models.FlowType]strategy
}

type Option func(*Executor)

func WithConfig(config Config) Option {
	return func(e *Executor) { e.config = config }
}

// WithPublisher emits lifecycle events through publisher.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Executor) { e.publisher = publisher }
}

// WithStore persists gate checkpoints and context snapshots.
func WithStore(store persistence.Store) Option {
	return func(e *Executor) { e.store = store }
}

// WithGates shares a gate manager, typically with the component receiving
// human decisions.
func WithGates(gates *approval.Manager) Option {
	return func(e *Executor) { e.gates = gates }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

func NewExecutor(steps Steps, logger *slog.Logger, opts ...Option) (*Executor, error) {
	e := &Executor{
		steps:  steps,
		config: DefaultConfig(),
		logger: logger.With("module", "workflow_executor"),
	}

	for _, opt := range opts {
		opt(e)
	}

	err := e.config.Validate()
	if err != nil {
		return nil, err
	}

	if e.gates == nil {
		e.gates = approval.NewManager(e.publisher, e.store, logger)
	}

	if e.tracer == nil {
		e.tracer = otelhelper.Tracer()
	}

	e.coordinator = coordinator.NewLoop(steps, logger)
	e.metrics = otelhelper.EngineMetrics(logger)
	e.strategies = strategies()

	return e, nil
}

// Gates returns the gate manager human decisions must be delivered to.
func (e *Executor) Gates() *approval.Manager {
	return e.gates
}

// Recover compensates the completed work of runs this worker left unfinished
// in a previous process and cancels their re-armed gates. Call it after the
// gates were resumed and before new runs start.
func (e *Executor) Recover(ctx context.Context) ([]string, error) {
	if e.store == nil {
		return nil, nil
	}

	runs, err := saga.Recover(ctx, e.store, e.config.WorkerID, e.steps, e.logger)
	if err != nil {
		return nil, err
	}

	for _, runID := range runs {
		cancelled := e.gates.CancelRun(ctx, runID)
		e.logger.InfoContext(ctx, "Recovered interrupted run", "run_id", runID, "gates_cancelled", cancelled)
	}

	return runs, nil
}

type runOptions struct {
	runID string
}

type RunOption func(*runOptions)

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// Run validates def and executes it with input. A structural or dependency
// error aborts the run and returns no result; every other outcome, including
// failed and cancelled runs, is reported in the ExecutionResult.
func (e *Executor) Run(ctx context.Context, def *models.DAGDefinition, input map[string]any, opts ...RunOption) (*models.ExecutionResult, error) {
	options := runOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if options.runID == "" {
		options.runID = uuid.NewString()
	}

	validation := dag.Validate(def)

	err := validation.Err(def.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Rejected invalid DAG", "dag_id", def.ID, "error", err)

		return nil, err
	}

	r := newRun(e, options.runID, def, input)

	for _, warning := range validation.Warnings {
		r.warnings = append(r.warnings, warning.String())
		r.logger.WarnContext(ctx, "DAG validation warning", "warning", warning.String())
	}

	return r.execute(ctx)
}
