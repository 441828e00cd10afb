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

// GitHubRepo describes a repository.
type GitHubRepo struct {
	FullName    string `json:"full_name"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	HTMLURL     string `json:"html_url"`
	Language    string `json:"language,omitempty"`
	Stars       int    `json:"stargazers_count"`
}

// GitHubPR describes a pull request.
type GitHubPR struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    string `json:"user,omitempty"`
}

// GitHubCommit describes a commit.
type GitHubCommit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author,omitempty"`
}

// GitHubCheckRun describes one CI check run on a ref.
type GitHubCheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// GitHubIssue describes an issue.
type GitHubIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

// GitHubBackend abstracts the GitHub REST API operations the tools need.
type GitHubBackend interface {
	ListRepos(ctx context.Context, limit int) ([]GitHubRepo, error)
	ListPRs(ctx context.Context, owner, repo, state string) ([]GitHubPR, error)
	GetPR(ctx context.Context, owner, repo string, number int) (*GitHubPR, error)
	ListCommits(ctx context.Context, owner, repo string, limit int) ([]GitHubCommit, error)
	GetCommit(ctx context.Context, owner, repo, sha string) (*GitHubCommit, error)
	ListIssues(ctx context.Context, owner, repo, state string) ([]GitHubIssue, error)
	ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]GitHubCheckRun, error)
	CreateRepo(ctx context.Context, name, description string, private bool) (*GitHubRepo, error)
	CreateIssue(ctx context.Context, owner, repo, title, body string) (*GitHubIssue, error)
	MergePR(ctx context.Context, owner, repo string, number int) error
}

// MockGitHubBackend is a no-op backend for testing/development.
type MockGitHubBackend struct{}

func (MockGitHubBackend) ListRepos(_ context.Context, _ int) ([]GitHubRepo, error) { return nil, nil }
func (MockGitHubBackend) ListPRs(_ context.Context, _, _, _ string) ([]GitHubPR, error) {
	return nil, nil
}
func (MockGitHubBackend) GetPR(_ context.Context, _, _ string, _ int) (*GitHubPR, error) {
	return nil, fmt.Errorf("not found")
}
func (MockGitHubBackend) ListCommits(_ context.Context, _, _ string, _ int) ([]GitHubCommit, error) {
	return nil, nil
}
func (MockGitHubBackend) GetCommit(_ context.Context, _, _, _ string) (*GitHubCommit, error) {
	return nil, fmt.Errorf("not found")
}
func (MockGitHubBackend) ListIssues(_ context.Context, _, _, _ string) ([]GitHubIssue, error) {
	return nil, nil
}
func (MockGitHubBackend) ListCheckRuns(_ context.Context, _, _, _ string) ([]GitHubCheckRun, error) {
	return nil, nil
}
func (MockGitHubBackend) CreateRepo(_ context.Context, name, _ string, _ bool) (*GitHubRepo, error) {
	return &GitHubRepo{FullName: "mock/" + name}, nil
}
func (MockGitHubBackend) CreateIssue(_ context.Context, _, _, title, _ string) (*GitHubIssue, error) {
	return &GitHubIssue{Number: 1, Title: title}, nil
}
func (MockGitHubBackend) MergePR(_ context.Context, _, _ string, _ int) error { return nil }

// HTTPGitHubBackend talks to api.github.com with a personal access token.
type HTTPGitHubBackend struct {
	token   string
	owner   string // default owner when calls omit one
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPGitHubBackend creates a backend from config. Outbound calls are
// capped at 60 per minute, well under the authenticated API quota.
func NewHTTPGitHubBackend(cfg config.GitHubConfig) *HTTPGitHubBackend {
	return &HTTPGitHubBackend{
		token:   cfg.Token,
		owner:   cfg.Owner,
		baseURL: "https://api.github.com",
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/60), 60),
	}
}

func (b *HTTPGitHubBackend) do(ctx context.Context, method, path string, body any, out any) error {
	if !b.limiter.Allow() {
		return fmt.Errorf("%w: github", domain.ErrRateLimit)
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
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("github API %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *HTTPGitHubBackend) resolveOwner(owner string) string {
	if owner != "" {
		return owner
	}
	return b.owner
}

func (b *HTTPGitHubBackend) ListRepos(ctx context.Context, limit int) ([]GitHubRepo, error) {
	if limit <= 0 {
		limit = 30
	}
	var repos []GitHubRepo
	err := b.do(ctx, http.MethodGet, fmt.Sprintf("/user/repos?per_page=%d&sort=updated", limit), nil, &repos)
	return repos, err
}

func (b *HTTPGitHubBackend) ListPRs(ctx context.Context, owner, repo, state string) ([]GitHubPR, error) {
	if state == "" {
		state = "open"
	}
	var wire []struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=%s", b.resolveOwner(owner), repo, url.QueryEscape(state))
	if err := b.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	prs := make([]GitHubPR, len(wire))
	for i, w := range wire {
		prs[i] = GitHubPR{Number: w.Number, Title: w.Title, State: w.State, HTMLURL: w.HTMLURL, User: w.User.Login}
	}
	return prs, nil
}

func (b *HTTPGitHubBackend) GetPR(ctx context.Context, owner, repo string, number int) (*GitHubPR, error) {
	var pr GitHubPR
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", b.resolveOwner(owner), repo, number)
	if err := b.do(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (b *HTTPGitHubBackend) ListCommits(ctx context.Context, owner, repo string, limit int) ([]GitHubCommit, error) {
	if limit <= 0 {
		limit = 20
	}
	var wire []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
			} `json:"author"`
		} `json:"commit"`
	}
	path := fmt.Sprintf("/repos/%s/%s/commits?per_page=%d", b.resolveOwner(owner), repo, limit)
	if err := b.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	commits := make([]GitHubCommit, len(wire))
	for i, w := range wire {
		commits[i] = GitHubCommit{SHA: w.SHA, Message: w.Commit.Message, Author: w.Commit.Author.Name}
	}
	return commits, nil
}

func (b *HTTPGitHubBackend) GetCommit(ctx context.Context, owner, repo, sha string) (*GitHubCommit, error) {
	var wire struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
			} `json:"author"`
		} `json:"commit"`
	}
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", b.resolveOwner(owner), repo, url.PathEscape(sha))
	if err := b.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	return &GitHubCommit{SHA: wire.SHA, Message: wire.Commit.Message, Author: wire.Commit.Author.Name}, nil
}

func (b *HTTPGitHubBackend) ListIssues(ctx context.Context, owner, repo, state string) ([]GitHubIssue, error) {
	if state == "" {
		state = "open"
	}
	var issues []GitHubIssue
	path := fmt.Sprintf("/repos/%s/%s/issues?state=%s", b.resolveOwner(owner), repo, url.QueryEscape(state))
	if err := b.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (b *HTTPGitHubBackend) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]GitHubCheckRun, error) {
	var out struct {
		CheckRuns []GitHubCheckRun `json:"check_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", b.resolveOwner(owner), repo, url.PathEscape(ref))
	if err := b.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.CheckRuns, nil
}

func (b *HTTPGitHubBackend) CreateRepo(ctx context.Context, name, description string, private bool) (*GitHubRepo, error) {
	var repo GitHubRepo
	body := map[string]any{"name": name, "description": description, "private": private}
	if err := b.do(ctx, http.MethodPost, "/user/repos", body, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (b *HTTPGitHubBackend) CreateIssue(ctx context.Context, owner, repo, title, body string) (*GitHubIssue, error) {
	var issue GitHubIssue
	path := fmt.Sprintf("/repos/%s/%s/issues", b.resolveOwner(owner), repo)
	if err := b.do(ctx, http.MethodPost, path, map[string]any{"title": title, "body": body}, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (b *HTTPGitHubBackend) MergePR(ctx context.Context, owner, repo string, number int) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", b.resolveOwner(owner), repo, number)
	return b.do(ctx, http.MethodPut, path, map[string]any{}, nil)
}

// GitHubReadTools returns the read-only repository tools.
func GitHubReadTools(backend GitHubBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockGitHubBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name:   "github_list_repos",
			desc:   "List the authenticated user's repositories, most recently updated first.",
			params: json.RawMessage(`{"type": "object", "properties": {"limit": {"type": "integer"}}}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Limit int `json:"limit"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				repos, err := backend.ListRepos(ctx, p.Limit)
				if err != nil {
					logger.Warn("github list repos failed", "error", err)
					return errResult(err), nil
				}
				if len(repos) == 0 {
					return okText("No repositories found.")
				}
				return okJSON(repos)
			},
		},
		&apiTool{
			name: "github_list_prs",
			desc: "List pull requests on a repository.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"state": {"type": "string", "enum": ["open", "closed", "all"]}
				},
				"required": ["repo"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner string `json:"owner"`
					Repo  string `json:"repo"`
					State string `json:"state"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				prs, err := backend.ListPRs(ctx, p.Owner, p.Repo, p.State)
				if err != nil {
					return errResult(err), nil
				}
				if len(prs) == 0 {
					return okText("No pull requests found.")
				}
				return okJSON(prs)
			},
		},
		&apiTool{
			name: "github_get_pr",
			desc: "Get one pull request by number.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"number": {"type": "integer"}
				},
				"required": ["repo", "number"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner  string `json:"owner"`
					Repo   string `json:"repo"`
					Number int    `json:"number"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				pr, err := backend.GetPR(ctx, p.Owner, p.Repo, p.Number)
				if err != nil {
					return errResult(err), nil
				}
				return okJSON(pr)
			},
		},
		&apiTool{
			name: "github_list_commits",
			desc: "List recent commits on a repository's default branch.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"limit": {"type": "integer"}
				},
				"required": ["repo"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner string `json:"owner"`
					Repo  string `json:"repo"`
					Limit int    `json:"limit"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				commits, err := backend.ListCommits(ctx, p.Owner, p.Repo, p.Limit)
				if err != nil {
					return errResult(err), nil
				}
				if len(commits) == 0 {
					return okText("No commits found.")
				}
				return okJSON(commits)
			},
		},
		&apiTool{
			name: "github_get_commit",
			desc: "Get one commit by SHA, including its full message.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"sha": {"type": "string"}
				},
				"required": ["repo", "sha"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner string `json:"owner"`
					Repo  string `json:"repo"`
					SHA   string `json:"sha"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				commit, err := backend.GetCommit(ctx, p.Owner, p.Repo, p.SHA)
				if err != nil {
					return errResult(err), nil
				}
				return okJSON(commit)
			},
		},
		&apiTool{
			name: "github_list_issues",
			desc: "List issues on a repository.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"state": {"type": "string", "enum": ["open", "closed", "all"]}
				},
				"required": ["repo"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner string `json:"owner"`
					Repo  string `json:"repo"`
					State string `json:"state"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				issues, err := backend.ListIssues(ctx, p.Owner, p.Repo, p.State)
				if err != nil {
					return errResult(err), nil
				}
				if len(issues) == 0 {
					return okText("No issues found.")
				}
				return okJSON(issues)
			},
		},
		&apiTool{
			name: "github_list_check_runs",
			desc: "List CI check runs for a commit or branch ref.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"ref": {"type": "string", "description": "Commit SHA or branch name"}
				},
				"required": ["repo", "ref"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner string `json:"owner"`
					Repo  string `json:"repo"`
					Ref   string `json:"ref"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				runs, err := backend.ListCheckRuns(ctx, p.Owner, p.Repo, p.Ref)
				if err != nil {
					return errResult(err), nil
				}
				if len(runs) == 0 {
					return okText("No check runs found.")
				}
				return okJSON(runs)
			},
		},
	}
}

// GitHubWriteTools returns the mutating repository tools.
func GitHubWriteTools(backend GitHubBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockGitHubBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name: "github_create_repo",
			desc: "Create a new repository for the authenticated user.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"private": {"type": "boolean"}
				},
				"required": ["name"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Name        string `json:"name"`
					Description string `json:"description"`
					Private     bool   `json:"private"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				repo, err := backend.CreateRepo(ctx, p.Name, p.Description, p.Private)
				if err != nil {
					logger.Warn("github create repo failed", "error", err)
					return errResult(err), nil
				}
				return okJSON(repo)
			},
		},
		&apiTool{
			name: "github_create_issue",
			desc: "Open a new issue on a repository.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"title": {"type": "string"},
					"body": {"type": "string"}
				},
				"required": ["repo", "title"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner string `json:"owner"`
					Repo  string `json:"repo"`
					Title string `json:"title"`
					Body  string `json:"body"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				issue, err := backend.CreateIssue(ctx, p.Owner, p.Repo, p.Title, p.Body)
				if err != nil {
					return errResult(err), nil
				}
				return okJSON(issue)
			},
		},
		&apiTool{
			name: "github_merge_pr",
			desc: "Merge a pull request by number.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"owner": {"type": "string"},
					"repo": {"type": "string"},
					"number": {"type": "integer"}
				},
				"required": ["repo", "number"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Owner  string `json:"owner"`
					Repo   string `json:"repo"`
					Number int    `json:"number"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				if err := backend.MergePR(ctx, p.Owner, p.Repo, p.Number); err != nil {
					return errResult(err), nil
				}
				return okText(fmt.Sprintf("Merged #%d", p.Number))
			},
		},
	}
}
