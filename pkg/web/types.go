package web

import (
	"encoding/json"

	"github.com/dukex/agentflow/pkg/dag"
	"github.com/dukex/agentflow/pkg/models"
)

// SubmitRunRequest carries a DAG document in JSON form and the run input.
type SubmitRunRequest struct {
	Definition json.RawMessage `json:"definition"       validate:"required"`
	Input      map[string]any  `json:"input,omitempty"`
	RunID      string          `json:"run_id,omitempty" validate:"omitempty,uuid"`
}

type SubmitRunResponse struct {
	RunID    string      `json:"run_id"`
	DAGID    string      `json:"dag_id"`
	Warnings []dag.Issue `json:"warnings,omitempty"`
	Metrics  dag.Metrics `json:"metrics"`
}

type DecisionResponse struct {
	Token    string               `json:"token"`
	RunID    string               `json:"run_id"`
	Decision models.HumanDecision `json:"decision"`
}
