package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// FigmaFile is the file metadata surfaced to the model.
type FigmaFile struct {
	Name         string `json:"name"`
	LastModified string `json:"last_modified"`
	Version      string `json:"version"`
}

// FigmaComment is one comment on a file.
type FigmaComment struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	User    string `json:"user"`
}

// FigmaBackend abstracts the Figma REST API.
type FigmaBackend interface {
	GetFile(ctx context.Context, key string) (*FigmaFile, error)
	ListComments(ctx context.Context, key string) ([]FigmaComment, error)
	PostComment(ctx context.Context, key, message string) error
}

// MockFigmaBackend is a no-op backend for testing/development.
type MockFigmaBackend struct{}

func (MockFigmaBackend) GetFile(_ context.Context, _ string) (*FigmaFile, error) {
	return nil, fmt.Errorf("not found")
}
func (MockFigmaBackend) ListComments(_ context.Context, _ string) ([]FigmaComment, error) {
	return nil, nil
}
func (MockFigmaBackend) PostComment(_ context.Context, _, _ string) error { return nil }

// HTTPFigmaBackend talks to api.figma.com with a personal token.
type HTTPFigmaBackend struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFigmaBackend creates a backend from config. Outbound calls are
// capped at 30 per minute.
func NewHTTPFigmaBackend(cfg config.FigmaConfig) *HTTPFigmaBackend {
	return &HTTPFigmaBackend{
		token:   cfg.Token,
		baseURL: "https://api.figma.com",
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/30), 30),
	}
}

func (b *HTTPFigmaBackend) do(ctx context.Context, method, path string, body any, out any) error {
	if !b.limiter.Allow() {
		return fmt.Errorf("%w: figma", domain.ErrRateLimit)
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = strings.NewReader(string(buf))
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("X-Figma-Token", b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("figma API %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *HTTPFigmaBackend) GetFile(ctx context.Context, key string) (*FigmaFile, error) {
	var f FigmaFile
	if err := b.do(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(key)+"?depth=1", nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (b *HTTPFigmaBackend) ListComments(ctx context.Context, key string) ([]FigmaComment, error) {
	var out struct {
		Comments []struct {
			ID      string `json:"id"`
			Message string `json:"message"`
			User    struct {
				Handle string `json:"handle"`
			} `json:"user"`
		} `json:"comments"`
	}
	if err := b.do(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(key)+"/comments", nil, &out); err != nil {
		return nil, err
	}
	comments := make([]FigmaComment, len(out.Comments))
	for i, c := range out.Comments {
		comments[i] = FigmaComment{ID: c.ID, Message: c.Message, User: c.User.Handle}
	}
	return comments, nil
}

func (b *HTTPFigmaBackend) PostComment(ctx context.Context, key, message string) error {
	return b.do(ctx, http.MethodPost, "/v1/files/"+url.PathEscape(key)+"/comments",
		map[string]string{"message": message}, nil)
}

// FigmaTools returns the design tools.
func FigmaTools(backend FigmaBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockFigmaBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name: "figma_get_file",
			desc: "Get metadata for a Figma file by its key.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"key": {"type": "string", "description": "File key from the Figma URL"}},
				"required": ["key"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Key string `json:"key"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				f, err := backend.GetFile(ctx, p.Key)
				if err != nil {
					logger.Warn("figma get file failed", "error", err)
					return errResult(err), nil
				}
				return okJSON(f)
			},
		},
		&apiTool{
			name: "figma_list_comments",
			desc: "List the comments on a Figma file.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"key": {"type": "string"}},
				"required": ["key"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Key string `json:"key"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				comments, err := backend.ListComments(ctx, p.Key)
				if err != nil {
					return errResult(err), nil
				}
				if len(comments) == 0 {
					return okText("No comments.")
				}
				return okJSON(comments)
			},
		},
		&apiTool{
			name: "figma_post_comment",
			desc: "Post a comment on a Figma file.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"message": {"type": "string"}
				},
				"required": ["key", "message"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Key     string `json:"key"`
					Message string `json:"message"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				if err := backend.PostComment(ctx, p.Key, p.Message); err != nil {
					return errResult(err), nil
				}
				return okText("Comment posted.")
			},
		},
	}
}
