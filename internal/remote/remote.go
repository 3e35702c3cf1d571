package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prjdev/prj/internal/models"
)

// Metadata is the normalized repository metric shape shared by all platforms.
type Metadata struct {
	Owner         string
	Repo          string
	Description   string
	Stars         int
	Forks         int
	Watchers      int
	OpenIssues    int
	OpenPRs       int
	Language      string
	License       string
	Topics        []string
	SizeKB        int
	DefaultBranch string
	Archived      bool
	PushedAt      time.Time
}

// PipelineRun is the latest CI/CD run for a repository.
type PipelineRun struct {
	Workflow    string
	State       models.PipelineState
	Branch      string
	CommitSHA   string
	URL         string
	StartedAt   time.Time
	CompletedAt time.Time
}

// RateLimit is the server-reported request budget for a platform.
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Zero reports whether no budget information is present.
func (r RateLimit) Zero() bool {
	return r.Limit == 0 && r.Remaining == 0 && r.ResetAt.IsZero()
}

// Recorder receives rate-limit telemetry from every API response.
// Implemented by ratelimit.Limiter; clients call it regardless of whether the
// request succeeded, since this is the only path by which budget state
// advances.
type Recorder interface {
	Record(platform models.Platform, rl RateLimit)
}

// Client is the platform capability interface. One implementation exists per
// platform; the orchestrator selects by RemoteRepo.Platform and stays
// platform-agnostic above this boundary.
type Client interface {
	Platform() models.Platform
	FetchRepoMetadata(ctx context.Context, owner, repo string) (*Metadata, error)
	FetchPipelineStatus(ctx context.Context, owner, repo string) (*PipelineRun, error)
	FetchRateLimit(ctx context.Context) (RateLimit, error)
	CheckAuth(ctx context.Context) error
}

// New returns a client for the platform authenticated with token. rec may be
// nil when no rate telemetry is wanted (e.g. one-off auth checks).
func New(platform models.Platform, token string, rec Recorder) (Client, error) {
	switch platform {
	case models.PlatformGitHub:
		return NewGitHubClient(token, rec), nil
	case models.PlatformGitLab:
		return NewGitLabClient(token, rec), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", platform)
	}
}

// Sentinel errors for non-retryable API outcomes.
var (
	// ErrNotFound means the owner/repo pair does not exist or is invisible to
	// the token.
	ErrNotFound = errors.New("repository not found")

	// ErrAuth means the credential was rejected. Surfaced to the user for
	// re-authentication; never retried.
	ErrAuth = errors.New("authentication rejected")
)

// RateLimitedError reports budget exhaustion. Retryable once ResetAt passes.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// NetworkError wraps transport-level failures (timeout, DNS, connection
// reset). Retryable with backoff.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
