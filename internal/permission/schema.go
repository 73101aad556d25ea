package permission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// SchemaRegistry holds optional per-tool JSON schemas used to pre-validate
// rawArgs before the engine's own matching runs. Tools with no registered
// schema skip this step entirely.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

// Register associates tool with a compiled schema.
func (r *SchemaRegistry) Register(tool string, schema *jsonschema.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[tool] = schema
}

func (r *SchemaRegistry) get(tool string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[tool]
	return schema, ok
}

// EvaluateWithSchema validates rawArgs against tool's registered schema, if
// any, before delegating to Evaluate. A validation failure degrades to
// confirm, never deny, matching the engine's own malformed-input policy.
func EvaluateWithSchema(tool string, rawArgs json.RawMessage, rules coremodel.RuleSet, guard *BashPathGuard, registry *SchemaRegistry) coremodel.EvaluationResult {
	if registry != nil && len(rawArgs) > 0 {
		if schema, ok := registry.get(tool); ok {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawArgs))
			if err == nil {
				if verr := schema.Validate(doc); verr != nil {
					return coremodel.EvaluationResult{
						Decision: coremodel.DecisionConfirm,
						Reason:   fmt.Sprintf("arguments failed schema validation: %v", verr),
					}
				}
			}
		}
	}
	return Evaluate(tool, rawArgs, rules, guard)
}
