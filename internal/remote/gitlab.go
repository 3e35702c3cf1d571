package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prjdev/prj/internal/models"
)

const defaultGitLabAPI = "https://gitlab.com/api/v4"

// GitLabClient talks to the GitLab REST v4 API using a personal access token.
type GitLabClient struct {
	BaseURL string

	token string
	rec   Recorder
	http  *http.Client
}

// NewGitLabClient returns a GitLab client targeting gitlab.com by default.
func NewGitLabClient(token string, rec Recorder) *GitLabClient {
	return &GitLabClient{
		BaseURL: defaultGitLabAPI,
		token:   token,
		rec:     rec,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GitLabClient) Platform() models.Platform {
	return models.PlatformGitLab
}

func (c *GitLabClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	rl := parseGitLabRateHeaders(resp.Header)
	if c.rec != nil && !rl.Zero() {
		c.rec.Record(models.PlatformGitLab, rl)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gitlab %s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("gitlab %s: %w", path, ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		reset := rl.ResetAt
		if reset.IsZero() {
			if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				reset = time.Now().Add(time.Duration(sec) * time.Second).UTC()
			}
		}
		return &RateLimitedError{ResetAt: reset}
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("gitlab %s: %w", path, ErrAuth)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("gitlab %s: unexpected status %d", path, resp.StatusCode)
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("gitlab %s: decode response: %w", path, err)
	}
	return nil
}

func parseGitLabRateHeaders(h http.Header) RateLimit {
	var rl RateLimit
	if v := h.Get("RateLimit-Limit"); v != "" {
		rl.Limit, _ = strconv.Atoi(v)
	}
	if v := h.Get("RateLimit-Remaining"); v != "" {
		rl.Remaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			rl.ResetAt = time.Unix(sec, 0).UTC()
		}
	}
	return rl
}

// projectPath builds the URL-encoded "owner/repo" path segment GitLab uses
// to address projects.
func projectPath(owner, repo string) string {
	return url.PathEscape(owner + "/" + repo)
}

type gitlabProject struct {
	Description     string    `json:"description"`
	StarCount       int       `json:"star_count"`
	ForksCount      int       `json:"forks_count"`
	OpenIssuesCount int       `json:"open_issues_count"`
	Topics          []string  `json:"topics"`
	DefaultBranch   string    `json:"default_branch"`
	Archived        bool      `json:"archived"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	Statistics      *struct {
		RepositorySize int64 `json:"repository_size"`
	} `json:"statistics"`
	License *struct {
		Name string `json:"name"`
	} `json:"license"`
}

type gitlabMergeRequest struct {
	IID int `json:"iid"`
}

func (c *GitLabClient) FetchRepoMetadata(ctx context.Context, owner, repo string) (*Metadata, error) {
	pp := projectPath(owner, repo)

	var raw gitlabProject
	if err := c.getJSON(ctx, "/projects/"+pp+"?license=true&statistics=true", &raw); err != nil {
		return nil, err
	}

	md := &Metadata{
		Owner:         owner,
		Repo:          repo,
		Description:   raw.Description,
		Stars:         raw.StarCount,
		Forks:         raw.ForksCount,
		OpenIssues:    raw.OpenIssuesCount,
		Topics:        raw.Topics,
		DefaultBranch: raw.DefaultBranch,
		Archived:      raw.Archived,
		PushedAt:      raw.LastActivityAt,
	}
	if raw.License != nil {
		md.License = raw.License.Name
	}
	if raw.Statistics != nil {
		md.SizeKB = int(raw.Statistics.RepositorySize / 1024)
	}

	// GitLab has no watcher concept; leave Watchers at zero. The dominant
	// language needs a second call.
	var langs map[string]float64
	if err := c.getJSON(ctx, "/projects/"+pp+"/languages", &langs); err == nil {
		best := 0.0
		for name, pct := range langs {
			if pct > best {
				best = pct
				md.Language = name
			}
		}
	}

	var mrs []gitlabMergeRequest
	if err := c.getJSON(ctx, "/projects/"+pp+"/merge_requests?state=opened&per_page=100", &mrs); err != nil {
		return nil, err
	}
	md.OpenPRs = len(mrs)

	return md, nil
}

type gitlabPipeline struct {
	Status    string    `json:"status"`
	Ref       string    `json:"ref"`
	SHA       string    `json:"sha"`
	WebURL    string    `json:"web_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Name      string    `json:"name"`
}

// FetchPipelineStatus returns the latest pipeline, or (nil, nil) when the
// project has never run one.
func (c *GitLabClient) FetchPipelineStatus(ctx context.Context, owner, repo string) (*PipelineRun, error) {
	var pipelines []gitlabPipeline
	path := "/projects/" + projectPath(owner, repo) + "/pipelines?per_page=1"
	if err := c.getJSON(ctx, path, &pipelines); err != nil {
		return nil, err
	}
	if len(pipelines) == 0 {
		return nil, nil
	}

	p := pipelines[0]
	workflow := p.Name
	if workflow == "" {
		workflow = "pipeline"
	}
	return &PipelineRun{
		Workflow:    workflow,
		State:       normalizeGitLabPipeline(p.Status),
		Branch:      p.Ref,
		CommitSHA:   p.SHA,
		URL:         p.WebURL,
		StartedAt:   p.CreatedAt,
		CompletedAt: p.UpdatedAt,
	}, nil
}

func normalizeGitLabPipeline(status string) models.PipelineState {
	switch status {
	case "success":
		return models.PipelineSuccess
	case "failed":
		return models.PipelineFailure
	case "created", "waiting_for_resource", "preparing", "pending", "running", "scheduled":
		return models.PipelinePending
	default:
		return models.PipelineUnknown
	}
}

// FetchRateLimit hits /user and reads the RateLimit-* response headers;
// GitLab exposes no dedicated rate-limit endpoint.
func (c *GitLabClient) FetchRateLimit(ctx context.Context) (RateLimit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/user", nil)
	if err != nil {
		return RateLimit{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return RateLimit{}, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return RateLimit{}, fmt.Errorf("gitlab /user: %w", ErrAuth)
	}

	rl := parseGitLabRateHeaders(resp.Header)
	if c.rec != nil && !rl.Zero() {
		c.rec.Record(models.PlatformGitLab, rl)
	}
	return rl, nil
}

func (c *GitLabClient) CheckAuth(ctx context.Context) error {
	return c.getJSON(ctx, "/user", nil)
}
