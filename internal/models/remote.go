package models

import "time"

// Platform identifies a remote code-hosting platform.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformGitHub || p == PlatformGitLab
}

// RemoteRepo holds the sync configuration for one project.
// At most one row exists per project; sync enable/disable toggles SyncEnabled.
type RemoteRepo struct {
	ID            string
	ProjectID     string
	Platform      Platform
	Owner         string
	Repo          string
	RemoteURL     string
	DefaultBranch string
	SyncEnabled   bool
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemoteMetrics is the cached metric snapshot for a remote repo.
// Entries are replaced wholesale on every successful fetch; FetchedAt plus
// TTLSeconds defines the staleness boundary.
type RemoteMetrics struct {
	ID           string
	RemoteRepoID string
	Stars        int
	Forks        int
	Watchers     int
	OpenIssues   int
	OpenPRs      int
	Language     string
	License      string
	Description  string
	Topics       []string
	SizeKB       int
	Archived     bool
	PushedAt     *time.Time
	FetchedAt    time.Time
	TTLSeconds   int
}

// Fresh reports whether the cache entry is still within its TTL at now.
func (m *RemoteMetrics) Fresh(now time.Time) bool {
	return now.Before(m.FetchedAt.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// PipelineState is the normalized CI/CD pipeline outcome.
type PipelineState string

const (
	PipelineSuccess PipelineState = "success"
	PipelineFailure PipelineState = "failure"
	PipelinePending PipelineState = "pending"
	PipelineUnknown PipelineState = "unknown"
)

// PipelineStatus is the cached state of the latest CI/CD run for a remote repo.
// It has a TTL independent from metrics and may be absent when the repo has
// no CI configured.
type PipelineStatus struct {
	ID           string
	RemoteRepoID string
	Workflow     string
	State        PipelineState
	Branch       string
	CommitSHA    string
	URL          string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FetchedAt    time.Time
}
