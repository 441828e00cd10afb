package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"edith/internal/domain"
)

// --- Shared test doubles ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockLLM replays a fixed queue of responses and records requests.
type mockLLM struct {
	mu        sync.Mutex
	responses []domain.ChatResponse
	requests  []domain.ChatRequest
	callIdx   int
}

func (m *mockLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.callIdx >= len(m.responses) {
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "fallback"},
		}, nil
	}
	idx := m.callIdx
	m.callIdx++
	resp := m.responses[idx]
	return &resp, nil
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

// mockStreamingLLM emits fixed delta sequences per call.
type mockStreamingLLM struct {
	mockLLM
	deltas [][]domain.StreamDelta
	sIdx   int
}

func (m *mockStreamingLLM) ChatStream(_ context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var seq []domain.StreamDelta
	if m.sIdx < len(m.deltas) {
		seq = m.deltas[m.sIdx]
		m.sIdx++
	}
	m.mu.Unlock()

	ch := make(chan domain.StreamDelta, len(seq))
	for _, d := range seq {
		ch <- d
	}
	close(ch)
	return ch, nil
}

// failingLLM always errors.
type failingLLM struct{}

func (failingLLM) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, fmt.Errorf("llm unavailable")
}
func (failingLLM) Name() string { return "failing" }

// mockCompleter returns a canned classification line and counts calls.
type mockCompleter struct {
	mu    sync.Mutex
	out   string
	err   error
	count int
}

func (m *mockCompleter) Complete(context.Context, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	return m.out, m.err
}

func (m *mockCompleter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// namedTool is a minimal tool whose Execute echoes a fixed payload.
type namedTool struct {
	name   string
	result string
}

func (t *namedTool) Name() string        { return t.name }
func (t *namedTool) Description() string { return t.name }
func (t *namedTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:       t.name,
		Parameters: json.RawMessage(`{"type":"object"}`),
	}
}
func (t *namedTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	out := t.result
	if out == "" {
		out = t.name + " ok"
	}
	return &domain.ToolResult{Content: out}, nil
}

// stubRegistry maps categories to named tools.
type stubRegistry struct {
	tools map[domain.Category][]domain.Tool
}

func newStubRegistry() *stubRegistry {
	tools := make(map[domain.Category][]domain.Tool)
	for _, cat := range domain.Categories {
		if cat == domain.CategoryGeneral {
			tools[cat] = nil
			continue
		}
		tools[cat] = []domain.Tool{
			&namedTool{name: string(cat) + "_a"},
			&namedTool{name: string(cat) + "_b"},
		}
	}
	return &stubRegistry{tools: tools}
}

func (r *stubRegistry) Categories() []domain.Category {
	cats := make([]domain.Category, 0, len(r.tools))
	for _, cat := range domain.Categories {
		if _, ok := r.tools[cat]; ok {
			cats = append(cats, cat)
		}
	}
	return cats
}

func (r *stubRegistry) ToolsFor(cat domain.Category) ([]domain.Tool, error) {
	tools, ok := r.tools[cat]
	if !ok {
		return nil, domain.ErrUnknownCategory
	}
	return tools, nil
}

func (r *stubRegistry) Select(cats []domain.Category) []domain.Tool {
	var out []domain.Tool
	seen := make(map[string]bool)
	for _, cat := range cats {
		for _, t := range r.tools[cat] {
			if !seen[t.Name()] {
				seen[t.Name()] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// recordingBus records published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) byType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memBackend is an in-memory HistoryBackend with injectable failures.
type memBackend struct {
	mu       sync.Mutex
	record   map[string][]domain.Message
	readErr  error
	writeErr error
	writes   int
}

func newMemBackend() *memBackend {
	return &memBackend{record: make(map[string][]domain.Message)}
}

func (b *memBackend) ReadAll(context.Context) (map[string][]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	out := make(map[string][]domain.Message, len(b.record))
	for k, v := range b.record {
		cp := make([]domain.Message, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (b *memBackend) WriteAll(_ context.Context, all map[string][]domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes++
	b.record = make(map[string][]domain.Message, len(all))
	for k, v := range all {
		cp := make([]domain.Message, len(v))
		copy(cp, v)
		b.record[k] = cp
	}
	return nil
}
