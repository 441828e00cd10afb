package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// Per-call timeout for bridged tool execution.
const mcpCallTimeout = 30 * time.Second

// MCPBridge connects to configured MCP servers at startup and exposes
// their tools as domain tools, grouped by the capability category each
// server is configured to extend. Discovery happens once; the tool set
// is fixed for the life of the process, like the rest of the catalog.
type MCPBridge struct {
	conns  []mcpConn
	tools  map[domain.Category][]domain.Tool
	logger *slog.Logger
}

type mcpConn struct {
	name     string
	category domain.Category
	client   mcpClient
}

// mcpClient is the slice of the MCP client surface the bridge needs.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to every configured server and discovers its
// tools. A server that connects but fails discovery is skipped; the
// bridge errors only when every server fails.
func NewMCPBridge(ctx context.Context, servers []config.MCPServerConfig, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{
		tools:  make(map[domain.Category][]domain.Tool),
		logger: logger,
	}

	for _, srv := range servers {
		client, err := connectMCP(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		category := domain.CategorySystem
		if srv.Category != "" {
			category = domain.Category(srv.Category)
		}
		b.conns = append(b.conns, mcpConn{name: srv.Name, category: category, client: client})
		logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport, "category", category)
	}

	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// newMCPBridgeFromConns builds a bridge over pre-connected clients.
func newMCPBridgeFromConns(ctx context.Context, conns []mcpConn, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{
		conns:  conns,
		tools:  make(map[domain.Category][]domain.Tool),
		logger: logger,
	}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func connectMCP(ctx context.Context, srv config.MCPServerConfig) (mcpClient, error) {
	var c mcpClient

	switch srv.Transport {
	case "stdio":
		stdio, err := mcpclient.NewStdioMCPClient(srv.Command, mcpEnv(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("start stdio client: %w", err)
		}
		c = stdio
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "edith", Version: "1.0.0"}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, fmt.Errorf("initialize: %w", err)
		}
	}
	return c, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []string
	connected := 0

	for _, conn := range b.conns {
		result, err := conn.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp discovery failed, skipping server", "server", conn.name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", conn.name, err))
			continue
		}
		for _, t := range result.Tools {
			bridged := newBridgedTool(conn.name, conn.client, t, b.logger)
			b.tools[conn.category] = append(b.tools[conn.category], bridged)
		}
		b.logger.Info("mcp tools discovered", "server", conn.name, "count", len(result.Tools))
		connected++
	}

	if connected == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ToolsByCategory returns the discovered tools keyed by the category
// each server extends.
func (b *MCPBridge) ToolsByCategory() map[domain.Category][]domain.Tool {
	return b.tools
}

// Close shuts down every server connection.
func (b *MCPBridge) Close() {
	for _, conn := range b.conns {
		if err := conn.client.Close(); err != nil {
			b.logger.Warn("mcp server close failed", "server", conn.name, "error", err)
		}
	}
}

// bridgedTool adapts one remote MCP tool to the domain.Tool interface.
// The name is prefixed with the server so two servers can export the
// same tool without colliding.
type bridgedTool struct {
	server   string
	client   mcpClient
	remote   mcp.Tool
	fullName string
	logger   *slog.Logger
}

func newBridgedTool(server string, client mcpClient, remote mcp.Tool, logger *slog.Logger) *bridgedTool {
	return &bridgedTool{
		server:   server,
		client:   client,
		remote:   remote,
		fullName: "mcp_" + mcpSafeName(server) + "_" + mcpSafeName(remote.Name),
		logger:   logger,
	}
}

func (t *bridgedTool) Name() string { return t.fullName }

func (t *bridgedTool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("Tool %q bridged from MCP server %q.", t.remote.Name, t.server)
}

func (t *bridgedTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if t.remote.InputSchema.Properties != nil || t.remote.InputSchema.Required != nil {
		if data, err := json.Marshal(t.remote.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{
		Name:        t.fullName,
		Description: t.Description(),
		Parameters:  params,
	}
}

func (t *bridgedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return errResult(fmt.Errorf("invalid arguments: %w", err)), nil
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote.Name
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	t.logger.Debug("mcp tool call", "server", t.server, "tool", t.remote.Name)
	result, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return errResult(fmt.Errorf("mcp call failed: %w", err)), nil
	}

	return &domain.ToolResult{
		Content: mcpResultText(result),
		IsError: result.IsError,
	}, nil
}

var _ domain.Tool = (*bridgedTool)(nil)

// mcpResultText flattens a CallToolResult to the plain text the agent
// feeds back to the model. Non-text content is carried as JSON.
func mcpResultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// mcpSafeName maps arbitrary server/tool names into the [a-zA-Z0-9_]
// alphabet tool names must use.
func mcpSafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// mcpEnv flattens the config env map into KEY=VALUE pairs.
func mcpEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
