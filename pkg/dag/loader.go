package dag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

const documentSchema = `{
  "type": "object",
  "required": ["id", "nodes", "entry_node", "exit_nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "entry_node": {"type": "string", "minLength": 1},
    "exit_nodes": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["entry", "task", "gate", "exit"]},
          "step_ref": {"type": "string"},
          "metadata": {"type": "object"},
          "timeout_ms": {"type": "integer", "minimum": 0},
          "batch_limit": {"type": "integer", "minimum": 0}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "from", "to", "flow_type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "from": {"type": "string"},
          "to": {"type": "string"},
          "flow_type": {"enum": ["direct_call", "context_handoff", "batch_execute", "sdk_delegate", "validation", "autonomous_decision"]},
          "condition": {"type": "string"},
          "execution_hint": {"enum": ["sequential", "parallel"]},
          "priority": {"type": "integer"},
          "context_keys": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// Loader parses workflow documents and rejects anything that is not a valid DAG.
type Loader struct {
	schema   *gojsonschema.Schema
	validate *validator.Validate
}

func NewLoader() (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile dag document schema: %w", err)
	}

	return &Loader{
		schema:   schema,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// LoadFile picks the format from the file extension.
func (l *Loader) LoadFile(path string) (*models.DAGDefinition, ValidationResult, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path supplied by the operator
	if err != nil {
		return nil, ValidationResult{}, fmt.Errorf("failed to read dag file %s: %w", path, err)
	}

	format := FormatJSON

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}

	return l.Parse(data, format)
}

// Parse decodes, schema-checks, struct-validates and graph-validates a document.
// Every rejection is returned as a *StructuralError.
func (l *Loader) Parse(data []byte, format Format) (*models.DAGDefinition, ValidationResult, error) {
	var document any

	switch format {
	case FormatYAML:
		err := yaml.Unmarshal(data, &document)
		if err != nil {
			return nil, ValidationResult{}, structural("", "parse", "invalid yaml: %v", err)
		}
	default:
		err := json.Unmarshal(data, &document)
		if err != nil {
			return nil, ValidationResult{}, structural("", "parse", "invalid json: %v", err)
		}
	}

	result, err := l.schema.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, ValidationResult{}, structural("", "schema", "%v", err)
	}

	if !result.Valid() {
		issues := make([]Issue, 0, len(result.Errors()))
		for _, schemaErr := range result.Errors() {
			issues = append(issues, Issue{Code: "schema", Message: schemaErr.String()})
		}

		return nil, ValidationResult{Errors: issues}, &StructuralError{Issues: issues}
	}

	normalized, err := json.Marshal(document)
	if err != nil {
		return nil, ValidationResult{}, structural("", "parse", "%v", err)
	}

	var def models.DAGDefinition

	err = json.Unmarshal(normalized, &def)
	if err != nil {
		return nil, ValidationResult{}, structural("", "parse", "%v", err)
	}

	err = l.validate.Struct(&def)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			issues := make([]Issue, 0, len(validationErrors))
			for _, fieldErr := range validationErrors {
				issues = append(issues, Issue{
					Code:    "field",
					Message: fmt.Sprintf("%s failed %q validation", fieldErr.Namespace(), fieldErr.Tag()),
				})
			}

			return nil, ValidationResult{Errors: issues}, &StructuralError{DAGID: def.ID, Issues: issues}
		}

		return nil, ValidationResult{}, structural(def.ID, "field", "%v", err)
	}

	validation := Validate(&def)

	return &def, validation, validation.Err(def.ID)
}

func structural(dagID, code, format string, args ...any) error {
	return &StructuralError{DAGID: dagID, Issues: []Issue{{Code: code, Message: fmt.Sprintf(format, args...)}}}
}
