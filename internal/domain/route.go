package domain

import "encoding/json"

// RouteEventType identifies the kind of event emitted on a streaming route.
type RouteEventType string

const (
	RouteToken     RouteEventType = "token"
	RouteToolStart RouteEventType = "tool_start"
	RouteToolEnd   RouteEventType = "tool_end"
	RouteError     RouteEventType = "error"
)

// RouteEvent is one element of the lazy event sequence produced by the
// streaming orchestrator. Token events carry Content; tool lifecycle
// events carry the tool name plus its input or output.
type RouteEvent struct {
	Type    RouteEventType  `json:"type"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
}

// AgentResult is the terminal state returned by a blocking agent run.
// Depending on the runtime version the final message list may sit at the
// top level or nested under Agent; consumers must probe both and degrade
// to a diagnostic string when neither is populated.
type AgentResult struct {
	Messages []Message       `json:"messages,omitempty"`
	Agent    *AgentState     `json:"agent,omitempty"`
	Usage    Usage           `json:"usage"`
	Raw      json.RawMessage `json:"-"`
}

// AgentState is the nested result shape produced by some runtime versions.
type AgentState struct {
	Messages []Message `json:"messages,omitempty"`
}
