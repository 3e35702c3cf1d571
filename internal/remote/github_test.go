package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prjdev/prj/internal/models"
)

type recordedLimit struct {
	platform models.Platform
	rl       RateLimit
}

type captureRecorder struct {
	records []recordedLimit
}

func (c *captureRecorder) Record(platform models.Platform, rl RateLimit) {
	c.records = append(c.records, recordedLimit{platform, rl})
}

func githubTestClient(t *testing.T, handler http.Handler) (*GitHubClient, *captureRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	rec := &captureRecorder{}
	c := NewGitHubClient("test-token", rec)
	c.BaseURL = srv.URL
	return c, rec
}

func writeGitHubRateHeaders(w http.ResponseWriter, remaining int, reset time.Time) {
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func TestGitHubFetchRepoMetadata(t *testing.T) {
	reset := time.Now().Add(time.Hour)
	c, rec := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeGitHubRateHeaders(w, 4999, reset)
		switch r.URL.Path {
		case "/repos/acme/widget":
			fmt.Fprint(w, `{
				"description": "a widget",
				"stargazers_count": 120,
				"forks_count": 14,
				"subscribers_count": 9,
				"open_issues_count": 25,
				"language": "Go",
				"size": 2048,
				"default_branch": "main",
				"archived": false,
				"topics": ["cli", "sync"],
				"pushed_at": "2026-08-01T12:00:00Z",
				"license": {"name": "MIT License"}
			}`)
		case "/search/issues":
			assert.Contains(t, r.URL.RawQuery, "is:pr+is:open")
			fmt.Fprint(w, `{"total_count": 5}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	md, err := c.FetchRepoMetadata(context.Background(), "acme", "widget")
	require.NoError(t, err)
	assert.Equal(t, 120, md.Stars)
	assert.Equal(t, 9, md.Watchers)
	assert.Equal(t, 5, md.OpenPRs)
	// PRs are subtracted from the raw issue count.
	assert.Equal(t, 20, md.OpenIssues)
	assert.Equal(t, "MIT License", md.License)
	assert.Equal(t, []string{"cli", "sync"}, md.Topics)
	assert.Equal(t, "main", md.DefaultBranch)

	// Every response fed the recorder.
	require.Len(t, rec.records, 2)
	assert.Equal(t, models.PlatformGitHub, rec.records[0].platform)
	assert.Equal(t, 4999, rec.records[0].rl.Remaining)
}

func TestGitHubNotFound(t *testing.T) {
	c, _ := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.FetchRepoMetadata(context.Background(), "acme", "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGitHubAuthRejected(t *testing.T) {
	c, _ := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.CheckAuth(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestGitHubRateLimited(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	c, rec := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeGitHubRateHeaders(w, 0, reset)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.FetchRepoMetadata(context.Background(), "acme", "widget")
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, reset, rle.ResetAt)

	// Exhaustion is still recorded.
	require.Len(t, rec.records, 1)
	assert.Equal(t, 0, rec.records[0].rl.Remaining)
}

func TestGitHubForbiddenWithBudgetIsAuthError(t *testing.T) {
	c, _ := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeGitHubRateHeaders(w, 3000, time.Now().Add(time.Hour))
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.FetchRepoMetadata(context.Background(), "acme", "widget")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestGitHubNetworkError(t *testing.T) {
	c := NewGitHubClient("tok", nil)
	c.BaseURL = "http://127.0.0.1:1" // nothing listens here

	_, err := c.FetchRepoMetadata(context.Background(), "acme", "widget")
	var ne *NetworkError
	assert.ErrorAs(t, err, &ne)
}

func TestGitHubFetchPipelineStatus(t *testing.T) {
	c, _ := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widget/actions/runs", r.URL.Path)
		fmt.Fprint(w, `{
			"total_count": 1,
			"workflow_runs": [{
				"name": "ci",
				"status": "completed",
				"conclusion": "failure",
				"head_branch": "main",
				"head_sha": "abc1234",
				"html_url": "https://github.com/acme/widget/actions/runs/1"
			}]
		}`)
	}))

	run, err := c.FetchPipelineStatus(context.Background(), "acme", "widget")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "ci", run.Workflow)
	assert.Equal(t, models.PipelineFailure, run.State)
	assert.Equal(t, "abc1234", run.CommitSHA)
}

func TestGitHubFetchPipelineStatusNoRuns(t *testing.T) {
	c, _ := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count": 0, "workflow_runs": []}`)
	}))

	run, err := c.FetchPipelineStatus(context.Background(), "acme", "widget")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestGitHubFetchRateLimit(t *testing.T) {
	reset := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	c, rec := githubTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		fmt.Fprintf(w, `{"resources": {"core": {"limit": 5000, "remaining": 4321, "reset": %d}}}`, reset.Unix())
	}))

	rl, err := c.FetchRateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000, rl.Limit)
	assert.Equal(t, 4321, rl.Remaining)
	assert.Equal(t, reset, rl.ResetAt)
	assert.NotEmpty(t, rec.records)
}

func TestNormalizeGitHubRun(t *testing.T) {
	assert.Equal(t, models.PipelineSuccess, normalizeGitHubRun("completed", "success"))
	assert.Equal(t, models.PipelineFailure, normalizeGitHubRun("completed", "timed_out"))
	assert.Equal(t, models.PipelinePending, normalizeGitHubRun("in_progress", ""))
	assert.Equal(t, models.PipelineUnknown, normalizeGitHubRun("completed", "cancelled"))
}

func TestNewUnsupportedPlatform(t *testing.T) {
	_, err := New(models.Platform("sourcehut"), "tok", nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuth))
}
