package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// GeminiCompleter is a single-turn completion client over the Gemini API,
// used by the intent classifier's slow pass. Temperature is pinned to zero
// so the same message always classifies the same way.
type GeminiCompleter struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewGeminiCompleter creates a completer using cfg.ClassifierModel.
func NewGeminiCompleter(cfg config.LLMConfig, logger *slog.Logger) *GeminiCompleter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiCompleter{
		model:   cfg.ClassifierModel,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  newHTTPClient(cfg),
		logger:  logger,
	}
}

// Complete implements domain.Completer.
func (c *GeminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	zero := 0.0
	gemReq := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: &geminiGenConfig{Temperature: &zero},
	}

	body, err := json.Marshal(gemReq)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	start := time.Now()
	respBody, err := doJSONRequest(ctx, c.client, url, body, nil)
	if err != nil {
		return "", err
	}

	var gemResp geminiResponse
	if err := json.Unmarshal(respBody, &gemResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	if len(gemResp.Candidates) > 0 {
		for _, part := range gemResp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"elapsed", time.Since(start),
	)
	return text.String(), nil
}

var _ domain.Completer = (*GeminiCompleter)(nil)
