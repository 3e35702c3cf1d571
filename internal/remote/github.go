package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prjdev/prj/internal/models"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubClient talks to the GitHub REST v3 API with bearer-token auth.
type GitHubClient struct {
	BaseURL string

	token string
	rec   Recorder
	http  *http.Client
}

// NewGitHubClient returns a GitHub client. The zero BaseURL targets the
// public API; tests point it at an httptest server.
func NewGitHubClient(token string, rec Recorder) *GitHubClient {
	return &GitHubClient{
		BaseURL: defaultGitHubAPI,
		token:   token,
		rec:     rec,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GitHubClient) Platform() models.Platform {
	return models.PlatformGitHub
}

// getJSON performs one authenticated GET, records rate-limit headers from the
// response whatever its status, maps error statuses to the domain taxonomy,
// and decodes the body into v.
func (c *GitHubClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	rl := parseGitHubRateHeaders(resp.Header)
	if c.rec != nil && !rl.Zero() {
		c.rec.Record(models.PlatformGitHub, rl)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("github %s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("github %s: %w", path, ErrAuth)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		// 403 doubles as both permission denial and rate-limit exhaustion;
		// the remaining counter disambiguates.
		if rl.Remaining == 0 && !rl.ResetAt.IsZero() {
			return &RateLimitedError{ResetAt: rl.ResetAt}
		}
		return fmt.Errorf("github %s: %w", path, ErrAuth)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("github %s: unexpected status %d", path, resp.StatusCode)
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("github %s: decode response: %w", path, err)
	}
	return nil
}

func parseGitHubRateHeaders(h http.Header) RateLimit {
	var rl RateLimit
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		rl.Limit, _ = strconv.Atoi(v)
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		rl.Remaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			rl.ResetAt = time.Unix(sec, 0).UTC()
		}
	}
	return rl
}

type githubRepo struct {
	Description      string    `json:"description"`
	StargazersCount  int       `json:"stargazers_count"`
	ForksCount       int       `json:"forks_count"`
	SubscribersCount int       `json:"subscribers_count"`
	OpenIssuesCount  int       `json:"open_issues_count"`
	Language         string    `json:"language"`
	Size             int       `json:"size"`
	DefaultBranch    string    `json:"default_branch"`
	Archived         bool      `json:"archived"`
	Topics           []string  `json:"topics"`
	PushedAt         time.Time `json:"pushed_at"`
	License          *struct {
		Name string `json:"name"`
	} `json:"license"`
}

type githubSearchResult struct {
	TotalCount int `json:"total_count"`
}

func (c *GitHubClient) FetchRepoMetadata(ctx context.Context, owner, repo string) (*Metadata, error) {
	var raw githubRepo
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &raw); err != nil {
		return nil, err
	}

	md := &Metadata{
		Owner:         owner,
		Repo:          repo,
		Description:   raw.Description,
		Stars:         raw.StargazersCount,
		Forks:         raw.ForksCount,
		Watchers:      raw.SubscribersCount,
		OpenIssues:    raw.OpenIssuesCount,
		Language:      raw.Language,
		Topics:        raw.Topics,
		SizeKB:        raw.Size,
		DefaultBranch: raw.DefaultBranch,
		Archived:      raw.Archived,
		PushedAt:      raw.PushedAt,
	}
	if raw.License != nil {
		md.License = raw.License.Name
	}

	// open_issues_count includes pull requests; fetch the PR count separately
	// so both metrics are accurate.
	var search githubSearchResult
	q := fmt.Sprintf("/search/issues?q=repo:%s/%s+is:pr+is:open&per_page=1", owner, repo)
	if err := c.getJSON(ctx, q, &search); err != nil {
		return nil, err
	}
	md.OpenPRs = search.TotalCount
	if md.OpenIssues >= md.OpenPRs {
		md.OpenIssues -= md.OpenPRs
	}

	return md, nil
}

type githubWorkflowRuns struct {
	TotalCount   int `json:"total_count"`
	WorkflowRuns []struct {
		Name       string    `json:"name"`
		Status     string    `json:"status"`
		Conclusion string    `json:"conclusion"`
		HeadBranch string    `json:"head_branch"`
		HeadSHA    string    `json:"head_sha"`
		HTMLURL    string    `json:"html_url"`
		RunStarted time.Time `json:"run_started_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"workflow_runs"`
}

// FetchPipelineStatus returns the most recent GitHub Actions run, or
// (nil, nil) when the repository has no workflow runs at all.
func (c *GitHubClient) FetchPipelineStatus(ctx context.Context, owner, repo string) (*PipelineRun, error) {
	var raw githubWorkflowRuns
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?per_page=1", owner, repo)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	if len(raw.WorkflowRuns) == 0 {
		return nil, nil
	}

	run := raw.WorkflowRuns[0]
	return &PipelineRun{
		Workflow:    run.Name,
		State:       normalizeGitHubRun(run.Status, run.Conclusion),
		Branch:      run.HeadBranch,
		CommitSHA:   run.HeadSHA,
		URL:         run.HTMLURL,
		StartedAt:   run.RunStarted,
		CompletedAt: run.UpdatedAt,
	}, nil
}

func normalizeGitHubRun(status, conclusion string) models.PipelineState {
	switch status {
	case "queued", "in_progress", "waiting", "pending", "requested":
		return models.PipelinePending
	case "completed":
		switch conclusion {
		case "success":
			return models.PipelineSuccess
		case "failure", "timed_out", "startup_failure":
			return models.PipelineFailure
		}
	}
	return models.PipelineUnknown
}

type githubRateLimit struct {
	Resources struct {
		Core struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Reset     int64 `json:"reset"`
		} `json:"core"`
	} `json:"resources"`
}

func (c *GitHubClient) FetchRateLimit(ctx context.Context) (RateLimit, error) {
	var raw githubRateLimit
	if err := c.getJSON(ctx, "/rate_limit", &raw); err != nil {
		return RateLimit{}, err
	}
	core := raw.Resources.Core
	rl := RateLimit{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetAt:   time.Unix(core.Reset, 0).UTC(),
	}
	if c.rec != nil {
		c.rec.Record(models.PlatformGitHub, rl)
	}
	return rl, nil
}

// CheckAuth performs a lightweight authenticated call to validate the token.
func (c *GitHubClient) CheckAuth(ctx context.Context) error {
	return c.getJSON(ctx, "/user", nil)
}
