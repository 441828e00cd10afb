package tool

import (
	"context"
	"encoding/base64"
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

// JiraTicket is the subset of issue fields surfaced to the model.
type JiraTicket struct {
	Key      string `json:"key"`
	Summary  string `json:"summary"`
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Type     string `json:"type,omitempty"`
}

// JiraBackend abstracts the Jira Cloud REST API.
type JiraBackend interface {
	Search(ctx context.Context, jql string, limit int) ([]JiraTicket, error)
	Get(ctx context.Context, key string) (*JiraTicket, error)
	Create(ctx context.Context, project, summary, description, issueType string) (*JiraTicket, error)
	Update(ctx context.Context, key string, fields map[string]any) error
	Delete(ctx context.Context, key string) error
	CreateProject(ctx context.Context, key, name string) error
}

// MockJiraBackend is a no-op backend used when no credentials are set.
type MockJiraBackend struct{}

func (MockJiraBackend) Search(_ context.Context, _ string, _ int) ([]JiraTicket, error) {
	return nil, nil
}
func (MockJiraBackend) Get(_ context.Context, _ string) (*JiraTicket, error) {
	return nil, fmt.Errorf("not found")
}
func (MockJiraBackend) Create(_ context.Context, _, summary, _, _ string) (*JiraTicket, error) {
	return &JiraTicket{Key: "MOCK-1", Summary: summary}, nil
}
func (MockJiraBackend) Update(_ context.Context, _ string, _ map[string]any) error { return nil }
func (MockJiraBackend) Delete(_ context.Context, _ string) error                   { return nil }
func (MockJiraBackend) CreateProject(_ context.Context, _, _ string) error         { return nil }

// HTTPJiraBackend talks to Jira Cloud with basic auth.
type HTTPJiraBackend struct {
	baseURL string
	auth    string // precomputed basic auth header value
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPJiraBackend creates a backend from config. Outbound calls are
// capped at 30 per minute to stay under Jira Cloud's API limits.
func NewHTTPJiraBackend(cfg config.JiraConfig) *HTTPJiraBackend {
	return &HTTPJiraBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Email+":"+cfg.Token)),
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/30), 30),
	}
}

func (b *HTTPJiraBackend) do(ctx context.Context, method, path string, body any, out any) error {
	if !b.limiter.Allow() {
		return fmt.Errorf("%w: jira", domain.ErrRateLimit)
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
	req.Header.Set("Authorization", b.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("jira API %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type jiraIssueWire struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		Assignee *struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
	} `json:"fields"`
}

func (w jiraIssueWire) ticket() JiraTicket {
	t := JiraTicket{
		Key:     w.Key,
		Summary: w.Fields.Summary,
		Status:  w.Fields.Status.Name,
		Type:    w.Fields.IssueType.Name,
	}
	if w.Fields.Assignee != nil {
		t.Assignee = w.Fields.Assignee.DisplayName
	}
	return t
}

func (b *HTTPJiraBackend) Search(ctx context.Context, jql string, limit int) ([]JiraTicket, error) {
	if limit <= 0 {
		limit = 20
	}
	var out struct {
		Issues []jiraIssueWire `json:"issues"`
	}
	path := fmt.Sprintf("/rest/api/3/search?jql=%s&maxResults=%d", url.QueryEscape(jql), limit)
	if err := b.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	tickets := make([]JiraTicket, len(out.Issues))
	for i, iss := range out.Issues {
		tickets[i] = iss.ticket()
	}
	return tickets, nil
}

func (b *HTTPJiraBackend) Get(ctx context.Context, key string) (*JiraTicket, error) {
	var out jiraIssueWire
	if err := b.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	t := out.ticket()
	return &t, nil
}

func (b *HTTPJiraBackend) Create(ctx context.Context, project, summary, description, issueType string) (*JiraTicket, error) {
	if issueType == "" {
		issueType = "Task"
	}
	body := map[string]any{
		"fields": map[string]any{
			"project":   map[string]string{"key": project},
			"summary":   summary,
			"issuetype": map[string]string{"name": issueType},
			"description": map[string]any{
				"type":    "doc",
				"version": 1,
				"content": []map[string]any{
					{"type": "paragraph", "content": []map[string]any{{"type": "text", "text": description}}},
				},
			},
		},
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := b.do(ctx, http.MethodPost, "/rest/api/3/issue", body, &out); err != nil {
		return nil, err
	}
	return &JiraTicket{Key: out.Key, Summary: summary, Type: issueType}, nil
}

func (b *HTTPJiraBackend) Update(ctx context.Context, key string, fields map[string]any) error {
	return b.do(ctx, http.MethodPut, "/rest/api/3/issue/"+url.PathEscape(key), map[string]any{"fields": fields}, nil)
}

func (b *HTTPJiraBackend) Delete(ctx context.Context, key string) error {
	return b.do(ctx, http.MethodDelete, "/rest/api/3/issue/"+url.PathEscape(key), nil, nil)
}

func (b *HTTPJiraBackend) CreateProject(ctx context.Context, key, name string) error {
	body := map[string]any{
		"key":            key,
		"name":           name,
		"projectTypeKey": "software",
	}
	return b.do(ctx, http.MethodPost, "/rest/api/3/project", body, nil)
}

// JiraReadTools returns the read-only ticket tools.
func JiraReadTools(backend JiraBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockJiraBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name: "jira_search_tickets",
			desc: "Search Jira tickets with a JQL query. Use for sprints, epics, backlogs, and ticket lists.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"jql": {"type": "string", "description": "JQL query, e.g. 'assignee = currentUser() AND sprint in openSprints()'"},
					"limit": {"type": "integer", "description": "Max results, default 20"}
				},
				"required": ["jql"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					JQL   string `json:"jql"`
					Limit int    `json:"limit"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				tickets, err := backend.Search(ctx, p.JQL, p.Limit)
				if err != nil {
					logger.Warn("jira search failed", "error", err)
					return errResult(err), nil
				}
				if len(tickets) == 0 {
					return okText("No tickets matched.")
				}
				return okJSON(tickets)
			},
		},
		&apiTool{
			name: "jira_get_ticket",
			desc: "Get one Jira ticket by its key, e.g. PROJ-123.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "description": "Ticket key"}
				},
				"required": ["key"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Key string `json:"key"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				ticket, err := backend.Get(ctx, p.Key)
				if err != nil {
					return errResult(err), nil
				}
				return okJSON(ticket)
			},
		},
	}
}

// JiraWriteTools returns the mutating ticket tools.
func JiraWriteTools(backend JiraBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockJiraBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name: "jira_create_ticket",
			desc: "Create a new Jira ticket in a project.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"project": {"type": "string", "description": "Project key"},
					"summary": {"type": "string"},
					"description": {"type": "string"},
					"type": {"type": "string", "description": "Issue type, default Task"}
				},
				"required": ["project", "summary"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Project     string `json:"project"`
					Summary     string `json:"summary"`
					Description string `json:"description"`
					Type        string `json:"type"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				ticket, err := backend.Create(ctx, p.Project, p.Summary, p.Description, p.Type)
				if err != nil {
					logger.Warn("jira create failed", "error", err)
					return errResult(err), nil
				}
				return okJSON(ticket)
			},
		},
		&apiTool{
			name: "jira_update_ticket",
			desc: "Update fields on an existing Jira ticket.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"summary": {"type": "string"},
					"assignee": {"type": "string", "description": "Account id to assign"}
				},
				"required": ["key"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Key      string `json:"key"`
					Summary  string `json:"summary"`
					Assignee string `json:"assignee"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				fields := map[string]any{}
				if p.Summary != "" {
					fields["summary"] = p.Summary
				}
				if p.Assignee != "" {
					fields["assignee"] = map[string]string{"accountId": p.Assignee}
				}
				if err := backend.Update(ctx, p.Key, fields); err != nil {
					return errResult(err), nil
				}
				return okText("Updated " + p.Key)
			},
		},
		&apiTool{
			name: "jira_create_project",
			desc: "Create a new Jira software project.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "description": "Project key, e.g. PROJ"},
					"name": {"type": "string"}
				},
				"required": ["key", "name"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Key  string `json:"key"`
					Name string `json:"name"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				if err := backend.CreateProject(ctx, p.Key, p.Name); err != nil {
					logger.Warn("jira create project failed", "error", err)
					return errResult(err), nil
				}
				return okText("Created project " + p.Key)
			},
		},
		&apiTool{
			name: "jira_delete_ticket",
			desc: "Delete a Jira ticket by key. Irreversible.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string"}
				},
				"required": ["key"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Key string `json:"key"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				if err := backend.Delete(ctx, p.Key); err != nil {
					return errResult(err), nil
				}
				return okText("Deleted " + p.Key)
			},
		},
	}
}
