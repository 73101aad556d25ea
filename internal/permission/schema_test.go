package permission

import (
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

func compileSchema(t *testing.T, schemaJSON string) *jsonschema.Schema {
	t.Helper()
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return schema
}

func TestEvaluateWithSchemaRejectsInvalidArgsAsConfirm(t *testing.T) {
	registry := NewSchemaRegistry()
	registry.Register("write", compileSchema(t, `{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string"}}
	}`))

	rules := coremodel.RuleSet{Allow: []coremodel.PermissionRule{{Tool: "write"}}}
	got := EvaluateWithSchema("write", args(t, map[string]any{}), rules, nil, registry)
	if got.Decision != coremodel.DecisionConfirm {
		t.Fatalf("Decision = %v, want confirm", got.Decision)
	}
}

func TestEvaluateWithSchemaAllowsValidArgsThroughToEngine(t *testing.T) {
	registry := NewSchemaRegistry()
	registry.Register("write", compileSchema(t, `{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string"}}
	}`))

	rules := coremodel.RuleSet{Allow: []coremodel.PermissionRule{{Tool: "write"}}}
	got := EvaluateWithSchema("write", args(t, map[string]any{"path": "a.txt"}), rules, nil, registry)
	if got.Decision != coremodel.DecisionAllow {
		t.Fatalf("Decision = %v, want allow", got.Decision)
	}
}

func TestEvaluateWithSchemaSkipsUnregisteredTools(t *testing.T) {
	registry := NewSchemaRegistry()
	rules := coremodel.RuleSet{Allow: []coremodel.PermissionRule{{Tool: "read"}}}
	got := EvaluateWithSchema("read", args(t, map[string]any{"path": "a.txt"}), rules, nil, registry)
	if got.Decision != coremodel.DecisionAllow {
		t.Fatalf("Decision = %v, want allow", got.Decision)
	}
}
