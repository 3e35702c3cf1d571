package store

import (
	"context"
	"time"

	"github.com/prjdev/prj/internal/models"
)

// Store defines the persistence interface for prj.
//
// The sync subsystem is the sole writer to the remote repo, metrics cache,
// pipeline status, and sync queue tables.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	GetProjectByPath(ctx context.Context, path string) (*models.Project, error)
	ListProjects(ctx context.Context, group string) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id string) error

	// Remote repo sync configuration
	CreateRemoteRepo(ctx context.Context, r *models.RemoteRepo) error
	GetRemoteRepoByProject(ctx context.Context, projectID string) (*models.RemoteRepo, error)
	ListRemoteRepos(ctx context.Context, enabledOnly bool) ([]*models.RemoteRepo, error)
	UpdateRemoteRepo(ctx context.Context, r *models.RemoteRepo) error
	DeleteRemoteRepo(ctx context.Context, projectID string, purgeCache bool) error
	TouchLastSynced(ctx context.Context, remoteRepoID string, at time.Time) error

	// Metrics cache (wholesale replace per remote repo)
	SaveRemoteMetrics(ctx context.Context, m *models.RemoteMetrics) error
	GetRemoteMetrics(ctx context.Context, remoteRepoID string) (*models.RemoteMetrics, error)

	// Pipeline status cache
	SavePipelineStatus(ctx context.Context, p *models.PipelineStatus) error
	GetPipelineStatus(ctx context.Context, remoteRepoID string) (*models.PipelineStatus, error)

	// Sync queue. Enqueue is idempotent per (project, platform) while an item
	// is pending or processing; ClaimNextSync hands out exclusive claims.
	EnqueueSync(ctx context.Context, projectID string, platform models.Platform, priority int) (*models.SyncQueueItem, error)
	ClaimNextSync(ctx context.Context, platform models.Platform, now time.Time) (*models.SyncQueueItem, error)
	ClaimSyncItem(ctx context.Context, id string) (*models.SyncQueueItem, error)
	CompleteSyncItem(ctx context.Context, id string) error
	FailSyncItem(ctx context.Context, id, errMsg string) error
	RequeueSyncItem(ctx context.Context, id, errMsg string, notBefore time.Time) error
	ReleaseSyncItem(ctx context.Context, id string, notBefore time.Time) error
	ListSyncQueue(ctx context.Context, state models.QueueState) ([]*models.SyncQueueItem, error)
	SyncQueueStats(ctx context.Context) (map[models.QueueState]int, error)
	ClearCompletedSync(ctx context.Context) (int64, error)
	RetryFailedSync(ctx context.Context) (int64, error)
	ResetOrphanedSync(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
