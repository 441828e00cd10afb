package llm

import (
	"context"
	"encoding/json"
	"errors"
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
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestToGeminiRequestRoleMapping(t *testing.T) {
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "hello"},
		},
	}

	gemReq := toGeminiRequest(req)

	require.NotNil(t, gemReq.SystemInstruction)
	assert.Equal(t, "be brief", gemReq.SystemInstruction.Parts[0].Text)

	// The system message never appears in contents.
	require.Len(t, gemReq.Contents, 2)
	assert.Equal(t, "user", gemReq.Contents[0].Role)
	assert.Equal(t, "model", gemReq.Contents[1].Role)
}

func TestToGeminiRequestToolResult(t *testing.T) {
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleTool, Name: "jira_search_tickets", Content: `{"total": 3}`},
		},
	}

	gemReq := toGeminiRequest(req)

	require.Len(t, gemReq.Contents, 1)
	assert.Equal(t, "function", gemReq.Contents[0].Role)
	fr := gemReq.Contents[0].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "jira_search_tickets", fr.Name)
}

func TestToGeminiRequestToolCalls(t *testing.T) {
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "1", Name: "a", Arguments: json.RawMessage(`{}`)},
				{ID: "2", Name: "b", Arguments: json.RawMessage(`{}`)},
			}},
		},
	}

	gemReq := toGeminiRequest(req)

	require.Len(t, gemReq.Contents, 1)
	require.Len(t, gemReq.Contents[0].Parts, 2)
	assert.Equal(t, "a", gemReq.Contents[0].Parts[0].FunctionCall.Name)
	assert.Equal(t, "b", gemReq.Contents[0].Parts[1].FunctionCall.Name)
}

func TestToGeminiRequestGenerationConfig(t *testing.T) {
	plain := toGeminiRequest(domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	assert.Nil(t, plain.GenerationConfig)

	tuned := toGeminiRequest(domain.ChatRequest{
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	require.NotNil(t, tuned.GenerationConfig)
	require.NotNil(t, tuned.GenerationConfig.Temperature)
	assert.Equal(t, 0.7, *tuned.GenerationConfig.Temperature)
	assert.Equal(t, 256, tuned.GenerationConfig.MaxOutputTokens)
}

func TestFromGeminiResponse(t *testing.T) {
	resp := geminiResponse{
		Candidates: []geminiCandidate{{
			Content: geminiContent{Parts: []geminiPart{
				{Text: "the answer"},
				{FunctionCall: &geminiFunctionCall{Name: "lookup", Args: json.RawMessage(`{"q":"x"}`)}},
			}},
		}},
		UsageMetadata: &geminiUsage{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
	}

	result := fromGeminiResponse(resp)

	assert.Equal(t, "the answer", result.Message.Content)
	require.Len(t, result.Message.ToolCalls, 1)
	assert.Equal(t, "lookup", result.Message.ToolCalls[0].Name)
	assert.NotEmpty(t, result.Message.ToolCalls[0].ID)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestGeminiChat(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: "pong"}}},
			}},
		})
	}))
	defer server.Close()

	p := NewGeminiProvider(config.LLMConfig{
		Model:   "gemini-2.0-flash",
		APIKey:  "test-key",
		BaseURL: server.URL,
	}, newTestLogger())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "ping"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Message.Content)
	assert.Contains(t, gotPath, "gemini-2.0-flash")
}

func TestGeminiChatServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewGeminiProvider(config.LLMConfig{
		Model: "m", APIKey: "k", BaseURL: server.URL,
	}, newTestLogger())

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "ping"}},
	})

	assert.True(t, errors.Is(err, domain.ErrProviderError))
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{429, domain.ErrRateLimit},
		{401, domain.ErrAuthInvalid},
		{403, domain.ErrAuthInvalid},
		{413, domain.ErrContextOverflow},
		{500, domain.ErrProviderError},
		{503, domain.ErrProviderError},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, []byte("detail"))
		assert.True(t, errors.Is(err, tt.want), "status %d", tt.status)
	}

	// 404 has no sentinel mapping, just the detail.
	err := mapHTTPError(404, []byte("not found"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrProviderError))
}

func TestParseSSEStream(t *testing.T) {
	body := io.NopCloser(strings.NewReader(strings.Join([]string{
		": comment",
		"data: one",
		"",
		"event: noise",
		"data: two",
		"",
	}, "\n")))

	ch := parseSSEStream(context.Background(), body, func(data []byte) (*domain.StreamDelta, error) {
		return &domain.StreamDelta{Content: string(data)}, nil
	})

	var deltas []domain.StreamDelta
	for d := range ch {
		deltas = append(deltas, d)
	}

	// End of body yields a trailing Done delta.
	require.Len(t, deltas, 3)
	assert.Equal(t, "one", deltas[0].Content)
	assert.Equal(t, "two", deltas[1].Content)
	assert.True(t, deltas[2].Done)
}

func TestParseSSEStreamStopsOnDoneDelta(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: mid\ndata: last\ndata: after\n"))

	ch := parseSSEStream(context.Background(), body, func(data []byte) (*domain.StreamDelta, error) {
		d := &domain.StreamDelta{Content: string(data)}
		if d.Content == "last" {
			d.Done = true
		}
		return d, nil
	})

	var deltas []domain.StreamDelta
	for d := range ch {
		deltas = append(deltas, d)
	}

	// The Done-flagged chunk ends the stream; nothing after it is read.
	require.Len(t, deltas, 2)
	assert.Equal(t, "mid", deltas[0].Content)
	assert.True(t, deltas[1].Done)
}

func TestParseSSEStreamSkipsUnparseable(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: bad\ndata: good\n"))

	ch := parseSSEStream(context.Background(), body, func(data []byte) (*domain.StreamDelta, error) {
		if string(data) == "bad" {
			return nil, errors.New("parse failure")
		}
		return &domain.StreamDelta{Content: string(data)}, nil
	})

	var contents []string
	for d := range ch {
		if !d.Done {
			contents = append(contents, d.Content)
		}
	}
	assert.Equal(t, []string{"good"}, contents)
}

func TestGeminiChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := func(text, finish string) string {
			b, _ := json.Marshal(geminiResponse{
				Candidates: []geminiCandidate{{
					Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}},
					FinishReason: finish,
				}},
			})
			return "data: " + string(b) + "\n\n"
		}
		io.WriteString(w, chunk("Hel", ""))
		io.WriteString(w, chunk("lo", "STOP"))
	}))
	defer server.Close()

	p := NewGeminiProvider(config.LLMConfig{
		Model: "m", APIKey: "k", BaseURL: server.URL,
	}, newTestLogger())

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var text strings.Builder
	for d := range ch {
		text.WriteString(d.Content)
	}
	assert.Equal(t, "Hello", text.String())
}

func TestCompleterConcatenatesParts(t *testing.T) {
	var gotReq geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content: geminiContent{Role: "model", Parts: []geminiPart{
					{Text: "jira_read"}, {Text: ", github_read"},
				}},
			}},
		})
	}))
	defer server.Close()

	c := NewGeminiCompleter(config.LLMConfig{
		ClassifierModel: "gemini-2.0-flash-lite",
		APIKey:          "k",
		BaseURL:         server.URL,
	}, newTestLogger())

	out, err := c.Complete(context.Background(), "classify this")

	require.NoError(t, err)
	assert.Equal(t, "jira_read, github_read", out)

	// Classification must be deterministic.
	require.NotNil(t, gotReq.GenerationConfig)
	require.NotNil(t, gotReq.GenerationConfig.Temperature)
	assert.Zero(t, *gotReq.GenerationConfig.Temperature)
}
