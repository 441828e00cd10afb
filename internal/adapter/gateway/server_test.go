package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edith/internal/domain"
	"edith/internal/infra/config"
	"edith/internal/usecase"
	"edith/internal/usecase/eventbus"
)

type stubLLM struct{}

func (stubLLM) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "stub answer"},
	}, nil
}

func (stubLLM) ChatStream(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ch := make(chan domain.StreamDelta, 3)
	ch <- domain.StreamDelta{Content: "stub "}
	ch <- domain.StreamDelta{Content: "answer"}
	ch <- domain.StreamDelta{Done: true}
	close(ch)
	return ch, nil
}

func (stubLLM) Name() string { return "stub" }

type generalRegistry struct{}

func (generalRegistry) Categories() []domain.Category {
	return []domain.Category{domain.CategoryGeneral}
}

func (generalRegistry) ToolsFor(cat domain.Category) ([]domain.Tool, error) {
	if cat != domain.CategoryGeneral {
		return nil, domain.NewDomainError("ToolsFor", domain.ErrUnknownCategory, string(cat))
	}
	return nil, nil
}

func (generalRegistry) Select([]domain.Category) []domain.Tool { return nil }

type memBackend struct {
	record map[string][]domain.Message
}

func (b *memBackend) ReadAll(context.Context) (map[string][]domain.Message, error) {
	if b.record == nil {
		return map[string][]domain.Message{}, nil
	}
	return b.record, nil
}

func (b *memBackend) WriteAll(_ context.Context, all map[string][]domain.Message) error {
	b.record = all
	return nil
}

type testGateway struct {
	server  *Server
	handler http.Handler
	bus     *eventbus.Bus
}

func newTestGateway(t *testing.T, cfg config.GatewayConfig) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)

	registry := generalRegistry{}
	classifier := usecase.NewClassifier(registry, nil, bus, logger)
	cache := usecase.NewAgentCache(func(tools []domain.Tool) *usecase.Agent {
		return usecase.NewAgent(usecase.AgentDeps{
			LLM:    stubLLM{},
			Tools:  usecase.NewToolSet(tools),
			Logger: logger,
			Bus:    bus,
		})
	}, bus, logger)
	store := usecase.NewHistoryStore(&memBackend{}, logger)
	router := usecase.NewRouter(classifier, registry, cache, store, nil, bus, logger)

	s := NewServer(cfg, router, bus, logger)
	return &testGateway{server: s, handler: s.httpSrv.Handler, bus: bus}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestAskHappyPath(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	w := postJSON(t, g.handler, "/api/ask", map[string]string{
		"session_id": "s1",
		"message":    "hello",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp askResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "stub answer", resp.Response)
}

func TestAskGeneratesSessionID(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	w := postJSON(t, g.handler, "/api/ask", map[string]string{"message": "hello"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp askResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.SessionID, 26, "generated ids are ULIDs")
}

func TestAskRejectsEmptyMessage(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	w := postJSON(t, g.handler, "/api/ask", map[string]string{"session_id": "s1"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAskRejectsBadJSON(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokenAuth(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{Token: "secret"})

	// No token.
	w := postJSON(t, g.handler, "/api/ask", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Query parameter.
	w = postJSON(t, g.handler, "/api/ask?token=secret", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Bearer header.
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Wrong token.
	w = postJSON(t, g.handler, "/api/ask?token=nope", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{RateLimit: 1, RateBurst: 1})

	first := postJSON(t, g.handler, "/api/ask", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(t, g.handler, "/api/ask", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestAskStreamSSE(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	w := postJSON(t, g.handler, "/api/ask/stream", map[string]string{
		"session_id": "s1",
		"message":    "hello",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "s1", w.Header().Get("X-Session-Id"))

	var tokens []string
	var sawDone bool
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var ev domain.RouteEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		if ev.Type == domain.RouteToken {
			tokens = append(tokens, ev.Content)
		}
	}
	assert.Equal(t, []string{"stub ", "answer"}, tokens)
	assert.True(t, sawDone, "stream must terminate with [DONE]")
}

func TestStatusCountsMessages(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	w := postJSON(t, g.handler, "/api/ask", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	// Drain async bus handlers before reading counters.
	g.bus.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.EqualValues(t, 1, status["messages_recv"])
	assert.EqualValues(t, 1, status["messages_sent"])
	assert.EqualValues(t, 1, status["llm_calls"])
}
