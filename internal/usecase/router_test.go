package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edith/internal/domain"
)

// stubStatus is a fixed-answer status reporter.
type stubStatus struct {
	report string
	err    error
	calls  int
}

func (s *stubStatus) Status(context.Context) (string, error) {
	s.calls++
	return s.report, s.err
}

type routerFixture struct {
	router    *Router
	llm       *mockStreamingLLM
	completer *mockCompleter
	store     *HistoryStore
	cache     *AgentCache
	bus       *recordingBus
	status    *stubStatus
}

func newRouterFixture(t *testing.T, responses ...domain.ChatResponse) *routerFixture {
	t.Helper()
	bus := &recordingBus{}
	llm := &mockStreamingLLM{mockLLM: mockLLM{responses: responses}}
	registry := newStubRegistry()
	completer := &mockCompleter{out: "general"}
	classifier := NewClassifier(registry, completer, bus, newTestLogger())

	cache := NewAgentCache(func(tools []domain.Tool) *Agent {
		return NewAgent(AgentDeps{
			LLM:    llm,
			Tools:  NewToolSet(tools),
			Logger: newTestLogger(),
			Bus:    bus,
		})
	}, bus, newTestLogger())

	store := NewHistoryStore(newMemBackend(), newTestLogger())
	status := &stubStatus{report: "All systems operational."}
	router := NewRouter(classifier, registry, cache, store, status, bus, newTestLogger())

	return &routerFixture{
		router: router, llm: llm, completer: completer,
		store: store, cache: cache, bus: bus, status: status,
	}
}

func TestRouterHandleAppendsHistory(t *testing.T) {
	f := newRouterFixture(t, domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "hi there"},
	})
	ctx := context.Background()

	out, err := f.router.Handle(ctx, "s1", "hello my good friend")

	require.NoError(t, err)
	assert.Equal(t, "hi there", out)

	msgs := f.store.Get(ctx, "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello my good friend", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Content)
}

func TestRouterHandleSelectsToolsByIntent(t *testing.T) {
	f := newRouterFixture(t, domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "3 epics"},
	})

	_, err := f.router.Handle(context.Background(), "s1", "how many epics are left in the sprint?")

	require.NoError(t, err)
	require.NotEmpty(t, f.llm.requests)
	var names []string
	for _, s := range f.llm.requests[0].Tools {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"jira_read_a", "jira_read_b"}, names)
	assert.Zero(t, f.completer.calls())
}

func TestRouterHandleReadOnlyQueryExcludesWriteTools(t *testing.T) {
	f := newRouterFixture(t, domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "2 open PRs"},
	})

	_, err := f.router.Handle(context.Background(), "s1", "check my open PRs on the dashboard repo")

	require.NoError(t, err)
	require.NotEmpty(t, f.llm.requests)
	var names []string
	for _, s := range f.llm.requests[0].Tools {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "github_read_a")
	assert.NotContains(t, names, "github_write_a")
	assert.NotContains(t, names, "github_write_b")
}

func TestRouterHandleGeneralGetsNoTools(t *testing.T) {
	f := newRouterFixture(t, domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "hello!"},
	})

	_, err := f.router.Handle(context.Background(), "s1", "hey")

	require.NoError(t, err)
	require.NotEmpty(t, f.llm.requests)
	assert.Empty(t, f.llm.requests[0].Tools)
	assert.Equal(t, 1, f.cache.Len())
}

func TestRouterHandleReusesAgentForSameIntent(t *testing.T) {
	f := newRouterFixture(t,
		domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "a"}},
		domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "b"}},
	)
	ctx := context.Background()

	_, err := f.router.Handle(ctx, "s1", "show me the sprint backlog")
	require.NoError(t, err)
	_, err = f.router.Handle(ctx, "s2", "list tickets in the sprint")
	require.NoError(t, err)

	assert.Equal(t, 1, f.cache.Len())
}

func TestRouterHandleAgentErrorNotPersisted(t *testing.T) {
	bus := &recordingBus{}
	registry := newStubRegistry()
	classifier := NewClassifier(registry, &mockCompleter{out: "general"}, bus, newTestLogger())
	cache := NewAgentCache(func(tools []domain.Tool) *Agent {
		return NewAgent(AgentDeps{LLM: failingLLM{}, Tools: NewToolSet(tools), Logger: newTestLogger()})
	}, bus, newTestLogger())
	store := NewHistoryStore(newMemBackend(), newTestLogger())
	router := NewRouter(classifier, registry, cache, store, nil, bus, newTestLogger())
	ctx := context.Background()

	_, err := router.Handle(ctx, "s1", "hello there my friend")

	require.Error(t, err)
	assert.Empty(t, store.Get(ctx, "s1"), "failed exchanges leave no partial turns")
}

func TestRouterSessionsIsolated(t *testing.T) {
	f := newRouterFixture(t,
		domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "for s1"}},
		domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "for s2"}},
	)
	ctx := context.Background()

	_, err := f.router.Handle(ctx, "s1", "hello over there friend")
	require.NoError(t, err)
	_, err = f.router.Handle(ctx, "s2", "hello again my dear friend")
	require.NoError(t, err)

	s1 := f.store.Get(ctx, "s1")
	s2 := f.store.Get(ctx, "s2")
	require.Len(t, s1, 2)
	require.Len(t, s2, 2)
	assert.Equal(t, "for s1", s1[1].Content)
	assert.Equal(t, "for s2", s2[1].Content)
}

func TestRouterStreamTokensAndPersistence(t *testing.T) {
	f := newRouterFixture(t)
	f.llm.deltas = [][]domain.StreamDelta{{
		{Content: "par"},
		{Content: "tial"},
		{Done: true},
	}}
	ctx := context.Background()

	var tokens []string
	for ev := range f.router.Stream(ctx, "s1", "hello there my good friend") {
		if ev.Type == domain.RouteToken {
			tokens = append(tokens, ev.Content)
		}
	}

	assert.Equal(t, []string{"par", "tial"}, tokens)

	msgs := f.store.Get(ctx, "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
}

func TestRouterStreamErrorEventOnFailure(t *testing.T) {
	bus := &recordingBus{}
	registry := newStubRegistry()
	classifier := NewClassifier(registry, &mockCompleter{out: "general"}, bus, newTestLogger())
	cache := NewAgentCache(func(tools []domain.Tool) *Agent {
		return NewAgent(AgentDeps{LLM: failingLLM{}, Tools: NewToolSet(tools), Logger: newTestLogger()})
	}, bus, newTestLogger())
	store := NewHistoryStore(newMemBackend(), newTestLogger())
	router := NewRouter(classifier, registry, cache, store, nil, bus, newTestLogger())

	var last domain.RouteEvent
	for ev := range router.Stream(context.Background(), "s1", "hello there my good friend") {
		last = ev
	}

	assert.Equal(t, domain.RouteError, last.Type)
	assert.Contains(t, last.Content, "llm unavailable")
}

func TestRouterStreamReflexShortcut(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	var events []domain.RouteEvent
	for ev := range f.router.Stream(ctx, "s1", "Status report?") {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	assert.Equal(t, domain.RouteToken, events[0].Type)
	assert.Equal(t, "All systems operational.", events[0].Content)
	assert.Equal(t, 1, f.status.calls)
	assert.Zero(t, f.llm.calls(), "reflex must bypass the agent")

	// Reflex answers still land in the transcript.
	msgs := f.store.Get(ctx, "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "All systems operational.", msgs[1].Content)
}

func TestRouterStreamReflexFailureFallsThrough(t *testing.T) {
	f := newRouterFixture(t)
	f.status.err = fmt.Errorf("sensors offline")
	f.llm.deltas = [][]domain.StreamDelta{{{Content: "ok"}, {Done: true}}}

	var tokens []string
	for ev := range f.router.Stream(context.Background(), "s1", "status report") {
		if ev.Type == domain.RouteToken {
			tokens = append(tokens, ev.Content)
		}
	}

	assert.Equal(t, []string{"ok"}, tokens, "reporter failure routes normally")
}

func TestExtractOutputTopLevelMessages(t *testing.T) {
	out := extractOutput(&domain.AgentResult{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "q"},
			{Role: domain.RoleAssistant, Content: "answer"},
		},
	})
	assert.Equal(t, "answer", out)
}

func TestExtractOutputNestedAgentState(t *testing.T) {
	out := extractOutput(&domain.AgentResult{
		Agent: &domain.AgentState{
			Messages: []domain.Message{{Role: domain.RoleAssistant, Content: "nested"}},
		},
	})
	assert.Equal(t, "nested", out)
}

func TestExtractOutputDiagnosticPlaceholder(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"unexpected": "shape"})
	out := extractOutput(&domain.AgentResult{Agent: &domain.AgentState{}, Raw: raw})

	assert.Contains(t, out, "[Diagnostic]")
	assert.Contains(t, out, "agent")
	assert.Contains(t, out, "unexpected")
}

func TestExtractOutputDumpTruncated(t *testing.T) {
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	raw, _ := json.Marshal(string(big))
	out := extractOutput(&domain.AgentResult{Raw: raw})

	assert.Less(t, len(out), 700)
}
