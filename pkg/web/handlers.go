// Package web exposes the HTTP ingress of the engine: run submission and
// human decisions. Both are forwarded to workers as events; the handlers
// only read persisted state.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/contextstore"
	"github.com/dukex/agentflow/pkg/dag"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/saga"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// StepCatalog answers whether a step reference can be resolved by workers.
type StepCatalog interface {
	HasStep(ref string) bool
}

type APIHandlers struct {
	publisher eventbus.EventPublisher
	store     persistence.Store
	steps     StepCatalog
	loader    *dag.Loader
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewAPIHandlers(
	publisher eventbus.EventPublisher,
	store persistence.Store,
	steps StepCatalog,
	validator *validator.Validate,
	logger *slog.Logger,
) (*APIHandlers, error) {
	loader, err := dag.NewLoader()
	if err != nil {
		return nil, err
	}

	return &APIHandlers{
		publisher: publisher,
		store:     store,
		steps:     steps,
		loader:    loader,
		validator: validator,
		logger:    logger.With("module", "web"),
		now:       time.Now,
	}, nil
}

// Routes mounts every endpoint on app.
func (h *APIHandlers) Routes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/runs", h.SubmitRun)
	app.Get("/runs/:id/context", h.GetRunContext)

	a := app.Group("/approvals")
	a.Get("/", h.ListApprovals)
	a.Get("/:token", h.GetApproval)
	a.Post("/:token/decision", h.SubmitDecision)
	a.Get("/:txId/checkpoint", h.GetCheckpoint)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	_, err := h.store.Keys(c.Context(), persistence.CheckpointPrefix)
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"store": storeCheck,
		},
		"timestamp": h.now().UTC(),
	})
}

// SubmitRun validates the definition and asks a worker to execute it.
func (h *APIHandlers) SubmitRun(c fiber.Ctx) error {
	var req SubmitRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	def, validation, err := h.loader.Parse(req.Definition, dag.FormatJSON)
	if err != nil {
		return handleError(c, err)
	}

	if h.steps != nil {
		for _, node := range def.Nodes {
			if node.StepRef != "" && !h.steps.HasStep(node.StepRef) {
				return badRequest(c, "unknown step_ref "+node.StepRef+" on node "+node.ID)
			}
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	err = h.publisher.Publish(c.Context(), runID, events.RunRequested{
		BaseEvent:  events.NewBaseEvent(events.RunRequestedEvent, runID),
		Definition: *def,
		Input:      req.Input,
	})
	if err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Run requested", "run_id", runID, "dag_id", def.ID)

	return c.Status(fiber.StatusAccepted).JSON(SubmitRunResponse{
		RunID:    runID,
		DAGID:    def.ID,
		Warnings: validation.Warnings,
		Metrics:  validation.Metrics,
	})
}

// GetRunContext returns the working memory snapshot of a finished run.
func (h *APIHandlers) GetRunContext(c fiber.Ctx) error {
	memory, err := contextstore.Load(c.Context(), h.store, c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(memory.Snapshot())
}

// ListApprovals returns gates awaiting a decision, optionally for one run.
func (h *APIHandlers) ListApprovals(c fiber.Ctx) error {
	records, err := approval.Records(c.Context(), h.store)
	if err != nil {
		return handleError(c, err)
	}

	runID := c.Query("run_id")
	pending := make([]models.ApprovalToken, 0, len(records))

	for _, record := range records {
		if record.Status.Resolved() {
			continue
		}

		if runID != "" && record.Token.RunID != runID {
			continue
		}

		pending = append(pending, record.Token)
	}

	return c.JSON(fiber.Map{
		"approvals":   pending,
		"total_count": len(pending),
	})
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	record, err := approval.FindRecord(c.Context(), h.store, c.Params("token"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(record)
}

// SubmitDecision forwards a human decision to the worker owning the gate.
// The worker stays authoritative: a decision accepted here can still lose a
// race against expiry.
func (h *APIHandlers) SubmitDecision(c fiber.Ctx) error {
	token := c.Params("token")

	var decision models.HumanDecision
	if err := c.Bind().JSON(&decision); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(decision); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := approval.FindRecord(c.Context(), h.store, token)
	if err != nil {
		return handleError(c, err)
	}

	if record.Status.Resolved() {
		return conflict(c, "approval already resolved as "+string(record.Status))
	}

	now := h.now()
	if !now.Before(record.Token.ExpiresAt) {
		return conflict(c, "approval token expired")
	}

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = now.UTC()
	}

	err = h.publisher.Publish(c.Context(), record.Token.RunID, events.DecisionSubmitted{
		BaseEvent: events.NewBaseEvent(events.DecisionSubmittedEvent, record.Token.RunID),
		Token:     token,
		Decision:  decision,
	})
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(DecisionResponse{
		Token:    token,
		RunID:    record.Token.RunID,
		Decision: decision,
	})
}

// GetCheckpoint returns the latest persisted checkpoint of a transaction.
func (h *APIHandlers) GetCheckpoint(c fiber.Ctx) error {
	checkpoint, err := saga.LoadCheckpoint(c.Context(), h.store, c.Params("txId"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(checkpoint)
}
