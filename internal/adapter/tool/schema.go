package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"edith/internal/domain"
)

// validatedTool checks model-supplied arguments against the tool's own
// JSON Schema before the tool runs. Violations come back as error
// results, not Go errors, so the model gets a chance to retry with
// corrected arguments instead of failing the whole exchange.
type validatedTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// withSchemaValidation compiles the tool's parameter schema once at
// catalog construction. Tools without a schema pass through unwrapped;
// a schema that does not compile is a startup-time error.
func withSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(t.Name()+".json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile(t.Name() + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return &validatedTool{inner: t, schema: compiled}, nil
}

func (v *validatedTool) Name() string              { return v.inner.Name() }
func (v *validatedTool) Description() string       { return v.inner.Description() }
func (v *validatedTool) Schema() domain.ToolSchema { return v.inner.Schema() }

func (v *validatedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	// Models occasionally omit arguments entirely for zero-arg tools.
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return errResult(fmt.Errorf("arguments are not valid JSON: %w", err)), nil
	}
	if err := v.schema.Validate(decoded); err != nil {
		return errResult(fmt.Errorf("arguments rejected: %w", err)), nil
	}
	return v.inner.Execute(ctx, params)
}

var _ domain.Tool = (*validatedTool)(nil)
