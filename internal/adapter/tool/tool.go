package tool

import (
	"context"
	"encoding/json"

	"edith/internal/domain"
)

// apiTool is the common shape of every concrete tool: a name, a
// description for the model, a JSON Schema for the arguments, and the
// function that does the work. Implementations catch their own backend
// failures and report them as error results so the model can recover.
type apiTool struct {
	name   string
	desc   string
	params json.RawMessage
	run    func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (t *apiTool) Name() string        { return t.name }
func (t *apiTool) Description() string { return t.desc }

func (t *apiTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.name,
		Description: t.desc,
		Parameters:  t.params,
	}
}

func (t *apiTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return t.run(ctx, params)
}

var _ domain.Tool = (*apiTool)(nil)

// errResult formats a recoverable tool failure.
func errResult(err error) *domain.ToolResult {
	return &domain.ToolResult{IsError: true, Content: err.Error()}
}

// okJSON marshals v as the tool result content.
func okJSON(v any) (*domain.ToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(err), nil
	}
	return &domain.ToolResult{Content: string(b)}, nil
}

// okText wraps plain text as a successful tool result.
func okText(s string) (*domain.ToolResult, error) {
	return &domain.ToolResult{Content: s}, nil
}
