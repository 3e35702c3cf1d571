package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prjdev/prj/internal/creds"
	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/ratelimit"
	"github.com/prjdev/prj/internal/remote"
	"github.com/prjdev/prj/internal/store"
)

// fakeClient counts calls and returns canned responses so tests can assert
// on network traffic.
type fakeClient struct {
	platform    models.Platform
	metadata    *remote.Metadata
	pipeline    *remote.PipelineRun
	metadataErr error

	calls atomic.Int64
}

func (f *fakeClient) Platform() models.Platform { return f.platform }

func (f *fakeClient) FetchRepoMetadata(ctx context.Context, owner, repo string) (*remote.Metadata, error) {
	f.calls.Add(1)
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	return f.metadata, nil
}

func (f *fakeClient) FetchPipelineStatus(ctx context.Context, owner, repo string) (*remote.PipelineRun, error) {
	f.calls.Add(1)
	return f.pipeline, nil
}

func (f *fakeClient) FetchRateLimit(ctx context.Context) (remote.RateLimit, error) {
	return remote.RateLimit{}, nil
}

func (f *fakeClient) CheckAuth(ctx context.Context) error { return nil }

type fakeTokens struct {
	tokens map[models.Platform]string
}

func (f *fakeTokens) Resolve(platform models.Platform) (*creds.Credential, error) {
	token, ok := f.tokens[platform]
	if !ok {
		return nil, creds.ErrNotAuthenticated
	}
	return &creds.Credential{Token: token, Source: creds.SourceEnv}, nil
}

type fixture struct {
	store  *store.SQLiteStore
	client *fakeClient
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	client := &fakeClient{
		platform: models.PlatformGitHub,
		metadata: &remote.Metadata{
			Stars:         42,
			Forks:         7,
			OpenIssues:    3,
			OpenPRs:       1,
			Language:      "Go",
			Description:   "a test repo",
			Topics:        []string{"cli"},
			DefaultBranch: "main",
		},
		pipeline: &remote.PipelineRun{
			Workflow:  "ci",
			State:     models.PipelineSuccess,
			Branch:    "main",
			CommitSHA: "abc1234",
		},
	}

	tokens := &fakeTokens{tokens: map[models.Platform]string{models.PlatformGitHub: "tok"}}
	factory := func(platform models.Platform, token string) (remote.Client, error) {
		return client, nil
	}
	orch := New(st, tokens, ratelimit.New(0), factory, cfg)

	return &fixture{store: st, client: client, orch: orch}
}

func (f *fixture) addSyncedProject(t *testing.T, name string) *models.Project {
	t.Helper()
	ctx := context.Background()

	p := &models.Project{Name: name, Path: "/repos/" + name}
	require.NoError(t, f.store.CreateProject(ctx, p))

	_, err := f.orch.Enable(ctx, p.ID, &models.RemoteRepo{
		Platform: models.PlatformGitHub,
		Owner:    "acme",
		Repo:     name,
	})
	require.NoError(t, err)
	return p
}

func TestSyncProjectFetchesAndCaches(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	res, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)

	rem, err := f.store.GetRemoteRepoByProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, rem.LastSyncedAt)

	metrics, err := f.store.GetRemoteMetrics(ctx, rem.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, metrics.Stars)
	assert.Equal(t, 1, metrics.OpenPRs)

	ps, err := f.store.GetPipelineStatus(ctx, rem.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineSuccess, ps.State)

	// Queue item settled as completed.
	items, err := f.store.ListSyncQueue(ctx, models.QueueCompleted)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSyncProjectCacheHitMakesNoNetworkCalls(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	_, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	callsAfterFirst := f.client.calls.Load()

	res, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCached, res.Status)
	assert.Equal(t, callsAfterFirst, f.client.calls.Load())
}

func TestSyncProjectForceBypassesCache(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	_, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	callsAfterFirst := f.client.calls.Load()

	res, err := f.orch.SyncProject(ctx, p.ID, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	assert.Greater(t, f.client.calls.Load(), callsAfterFirst)
}

func TestSyncProjectNotEnabled(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	p := &models.Project{Name: "bare", Path: "/repos/bare"}
	require.NoError(t, f.store.CreateProject(ctx, p))

	_, err := f.orch.SyncProject(ctx, p.ID, Options{})
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestSyncProjectNoCredentialEnqueuesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	f.orch.tokens = &fakeTokens{tokens: map[models.Platform]string{}}

	_, err := f.orch.SyncProject(ctx, p.ID, Options{})
	assert.ErrorIs(t, err, creds.ErrNotAuthenticated)

	for _, state := range []models.QueueState{models.QueuePending, models.QueueProcessing, models.QueueFailed} {
		items, err := f.store.ListSyncQueue(ctx, state)
		require.NoError(t, err)
		assert.Empty(t, items)
	}
}

func TestSyncProjectRateLimitedReleasesItem(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	resetAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	f.client.metadataErr = &remote.RateLimitedError{ResetAt: resetAt}

	res, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	var rle *remote.RateLimitedError
	assert.ErrorAs(t, res.Err, &rle)

	// Rate-limited items go back to pending with NotBefore, never to failed,
	// and are not charged an attempt.
	pending, err := f.store.ListSyncQueue(ctx, models.QueuePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
	require.NotNil(t, pending[0].NotBefore)
	assert.WithinDuration(t, resetAt, *pending[0].NotBefore, time.Second)

	failed, err := f.store.ListSyncQueue(ctx, models.QueueFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSyncProjectNetworkErrorRequeuesThenFails(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2, RetryBackoff: time.Minute})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	f.client.metadataErr = &remote.NetworkError{Err: errors.New("connection reset")}

	res, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	pending, err := f.store.ListSyncQueue(ctx, models.QueuePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	require.NotNil(t, pending[0].NotBefore)

	// Second attempt exhausts the budget and the item goes failed.
	claimed, err := f.store.ClaimSyncItem(ctx, pending[0].ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	rem, err := f.store.GetRemoteRepoByProject(ctx, p.ID)
	require.NoError(t, err)
	err = f.orch.process(ctx, claimed, rem, "tok", Options{})
	require.Error(t, err)

	failed, err := f.store.ListSyncQueue(ctx, models.QueueFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "connection reset")
}

func TestSyncProjectNotFoundFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	f.client.metadataErr = remote.ErrNotFound

	res, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	failed, err := f.store.ListSyncQueue(ctx, models.QueueFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	pending, err := f.store.ListSyncQueue(ctx, models.QueuePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncProjectUpdateMetadata(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	_, err := f.orch.SyncProject(ctx, p.ID, Options{UpdateMetadata: true})
	require.NoError(t, err)

	updated, err := f.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "a test repo", updated.Description)
	assert.Equal(t, "Go", updated.Language)
	assert.Equal(t, []string{"cli"}, updated.Topics)
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	ctx := context.Background()

	f.addSyncedProject(t, "alpha")
	f.addSyncedProject(t, "bravo")
	f.addSyncedProject(t, "charlie")

	// Fail only bravo's fetch.
	f.orch.newClient = func(platform models.Platform, token string) (remote.Client, error) {
		return &routingClient{fallback: f.client, failFor: "bravo"}, nil
	}

	results, err := f.orch.SyncAll(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byName := map[string]Status{}
	for _, r := range results {
		byName[r.ProjectName] = r.Status
	}
	assert.Equal(t, StatusSynced, byName["alpha"])
	assert.Equal(t, StatusFailed, byName["bravo"])
	assert.Equal(t, StatusSynced, byName["charlie"])
}

// routingClient fails metadata fetches for one repo name and delegates the
// rest.
type routingClient struct {
	fallback *fakeClient
	failFor  string
}

func (r *routingClient) Platform() models.Platform { return models.PlatformGitHub }

func (r *routingClient) FetchRepoMetadata(ctx context.Context, owner, repo string) (*remote.Metadata, error) {
	if repo == r.failFor {
		return nil, remote.ErrNotFound
	}
	return r.fallback.FetchRepoMetadata(ctx, owner, repo)
}

func (r *routingClient) FetchPipelineStatus(ctx context.Context, owner, repo string) (*remote.PipelineRun, error) {
	return r.fallback.FetchPipelineStatus(ctx, owner, repo)
}

func (r *routingClient) FetchRateLimit(ctx context.Context) (remote.RateLimit, error) {
	return remote.RateLimit{}, nil
}

func (r *routingClient) CheckAuth(ctx context.Context) error { return nil }

func TestSyncAllReportsDeferredItems(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	// An earlier rate-limited pass left the item pending with a future
	// NotBefore; the batch must still report the project instead of
	// dropping it.
	item, err := f.store.EnqueueSync(ctx, p.ID, models.PlatformGitHub, 5)
	require.NoError(t, err)
	notBefore := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, f.store.ReleaseSyncItem(ctx, item.ID, notBefore))

	results, err := f.orch.SyncAll(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusDeferred, results[0].Status)
	assert.Equal(t, "widget", results[0].ProjectName)
	require.NotNil(t, results[0].NotBefore)
	assert.WithinDuration(t, notBefore, *results[0].NotBefore, time.Second)
	assert.Zero(t, f.client.calls.Load())
}

func TestSyncAllCacheFreshWithLeftoverItemReportsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	// Sync once so the cache is fresh, then plant a leftover claimable item.
	_, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	_, err = f.store.EnqueueSync(ctx, p.ID, models.PlatformGitHub, 5)
	require.NoError(t, err)

	// The worker processes the leftover item; the project still gets exactly
	// one result.
	results, err := f.orch.SyncAll(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusSynced, results[0].Status)
}

func TestSyncProjectCanceledLeavesItemPending(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.addSyncedProject(t, "widget")

	f.client.metadataErr = fmt.Errorf("fetch metadata: %w", context.Canceled)

	res, err := f.orch.SyncProject(ctx, p.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	// Interruption is not failure: the item goes back to pending with no
	// attempt charged and stays claimable.
	pending, err := f.store.ListSyncQueue(ctx, models.QueuePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)

	failed, err := f.store.ListSyncQueue(ctx, models.QueueFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSyncAllSkipsPlatformsWithoutCredentials(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.addSyncedProject(t, "ghproj")

	gl := &models.Project{Name: "glproj", Path: "/repos/glproj"}
	require.NoError(t, f.store.CreateProject(ctx, gl))
	_, err := f.orch.Enable(ctx, gl.ID, &models.RemoteRepo{
		Platform: models.PlatformGitLab,
		Owner:    "acme",
		Repo:     "glproj",
	})
	require.NoError(t, err)

	results, err := f.orch.SyncAll(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]*Result{}
	for _, r := range results {
		byName[r.ProjectName] = r
	}
	assert.Equal(t, StatusSynced, byName["ghproj"].Status)
	assert.Equal(t, StatusSkipped, byName["glproj"].Status)
	assert.ErrorIs(t, byName["glproj"].Err, creds.ErrNotAuthenticated)
}

func TestEnableDisableLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	p := &models.Project{Name: "widget", Path: "/repos/widget"}
	require.NoError(t, f.store.CreateProject(ctx, p))

	rem, err := f.orch.Enable(ctx, p.ID, &models.RemoteRepo{
		Platform: models.PlatformGitHub,
		Owner:    "acme",
		Repo:     "widget",
	})
	require.NoError(t, err)
	assert.True(t, rem.SyncEnabled)

	_, err = f.orch.Enable(ctx, p.ID, &models.RemoteRepo{
		Platform: models.PlatformGitHub,
		Owner:    "acme",
		Repo:     "widget",
	})
	assert.ErrorIs(t, err, ErrAlreadyEnabled)

	require.NoError(t, f.orch.Disable(ctx, p.ID, false))
	assert.ErrorIs(t, f.orch.Disable(ctx, p.ID, false), ErrAlreadyDisabled)

	// Re-enable restores the existing row.
	again, err := f.orch.Enable(ctx, p.ID, &models.RemoteRepo{
		Platform: models.PlatformGitHub,
		Owner:    "acme",
		Repo:     "widget",
	})
	require.NoError(t, err)
	assert.Equal(t, rem.ID, again.ID)

	// Disable with cache deletion removes the row entirely.
	require.NoError(t, f.orch.Disable(ctx, p.ID, true))
	assert.ErrorIs(t, f.orch.Disable(ctx, p.ID, false), ErrNotEnabled)
}
