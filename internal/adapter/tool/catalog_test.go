package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edith/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubTool(name string) domain.Tool {
	return &apiTool{
		name:   name,
		desc:   name,
		params: json.RawMessage(`{"type":"object"}`),
		run: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return okText(name)
		},
	}
}

func newTestCatalog() *Catalog {
	shared := stubTool("shared_tool")
	return NewCatalog(map[domain.Category][]domain.Tool{
		domain.CategoryJiraRead:  {stubTool("jira_search"), shared},
		domain.CategoryJiraWrite: {stubTool("jira_create"), shared},
		domain.CategorySystem:    {stubTool("system_status")},
	}, newTestLogger())
}

func TestCatalogToolsFor(t *testing.T) {
	c := newTestCatalog()

	tools, err := c.ToolsFor(domain.CategoryJiraRead)
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestCatalogToolsForGeneralIsEmpty(t *testing.T) {
	c := newTestCatalog()

	tools, err := c.ToolsFor(domain.CategoryGeneral)
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestCatalogToolsForUnknown(t *testing.T) {
	c := newTestCatalog()

	_, err := c.ToolsFor(domain.Category("nonsense"))
	assert.True(t, errors.Is(err, domain.ErrUnknownCategory))
}

func TestCatalogSelectDeduplicates(t *testing.T) {
	c := newTestCatalog()

	tools := c.Select([]domain.Category{domain.CategoryJiraRead, domain.CategoryJiraWrite})

	var names []string
	for _, tl := range tools {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"jira_search", "shared_tool", "jira_create"}, names)
}

func TestCatalogSelectUnknownContributesNothing(t *testing.T) {
	c := newTestCatalog()

	tools := c.Select([]domain.Category{domain.Category("nonsense"), domain.CategorySystem})

	require.Len(t, tools, 1)
	assert.Equal(t, "system_status", tools[0].Name())
}

func TestCatalogSelectGeneralOnly(t *testing.T) {
	c := newTestCatalog()
	assert.Empty(t, c.Select([]domain.Category{domain.CategoryGeneral}))
}

func TestCatalogCategoriesStableOrder(t *testing.T) {
	c := newTestCatalog()

	cats := c.Categories()
	assert.Equal(t, []domain.Category{
		domain.CategoryJiraRead,
		domain.CategoryJiraWrite,
		domain.CategorySystem,
		domain.CategoryGeneral,
	}, cats)
}

func TestSchemaValidationRejectsBadParams(t *testing.T) {
	strict := &apiTool{
		name: "strict",
		desc: "strict",
		params: json.RawMessage(`{
			"type": "object",
			"properties": {"n": {"type": "integer"}},
			"required": ["n"]
		}`),
		run: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return okText("ran")
		},
	}
	wrapped, err := withSchemaValidation(strict)
	require.NoError(t, err)

	res, err := wrapped.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = wrapped.Execute(context.Background(), json.RawMessage(`{"n": 3}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "ran", res.Content)
}

func TestSchemaValidationTreatsEmptyParamsAsObject(t *testing.T) {
	loose := &apiTool{
		name:   "loose",
		desc:   "loose",
		params: json.RawMessage(`{"type": "object", "properties": {}}`),
		run: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return okText("ran")
		},
	}
	wrapped, err := withSchemaValidation(loose)
	require.NoError(t, err)

	res, err := wrapped.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "ran", res.Content)
}

func TestCommandAllowed(t *testing.T) {
	assert.True(t, commandAllowed("ls -la", nil))
	assert.True(t, commandAllowed("ls -la", []string{"ls", "df"}))
	assert.False(t, commandAllowed("rm -rf /", []string{"ls", "df"}))
	assert.False(t, commandAllowed("", []string{"ls"}))
}

func TestResolveUnderRejectsEscape(t *testing.T) {
	_, err := resolveUnder("/tmp/sandbox", "../etc/passwd")
	assert.Error(t, err)

	abs, err := resolveUnder("/tmp/sandbox", "notes/today.txt")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sandbox/notes/today.txt", abs)
}
