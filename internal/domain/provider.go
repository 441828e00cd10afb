package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "gemini").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// Completer is a single-turn, deterministic completion model. The intent
// classifier's slow pass is its only consumer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// HistoryBackend is the durable store for session transcripts. The whole
// record is read and written at once; last writer wins. Implementations
// must tolerate concurrent calls from independent flows but need not
// provide multi-writer atomicity.
type HistoryBackend interface {
	// ReadAll returns every session's turns keyed by session id.
	ReadAll(ctx context.Context) (map[string][]Message, error)
	// WriteAll replaces the entire durable record.
	WriteAll(ctx context.Context, all map[string][]Message) error
}
