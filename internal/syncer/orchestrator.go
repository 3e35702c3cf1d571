// Package syncer coordinates remote metadata synchronization: cache TTL
// checks, credential resolution, rate-limit admission, the durable sync
// queue, and persistence of fetched results.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prjdev/prj/internal/creds"
	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/ratelimit"
	"github.com/prjdev/prj/internal/remote"
	"github.com/prjdev/prj/internal/store"
)

var (
	// ErrNotEnabled means the project has no enabled sync configuration.
	ErrNotEnabled = errors.New("sync not enabled for project")

	// ErrAlreadyEnabled means Enable was called for a project that already
	// has sync enabled.
	ErrAlreadyEnabled = errors.New("sync already enabled for project")

	// ErrAlreadyDisabled means Disable was called for a project whose sync
	// is already off.
	ErrAlreadyDisabled = errors.New("sync already disabled for project")
)

// Config holds the tunables for the orchestrator. All values come from
// configuration, not constants, so operators can adjust them per install.
type Config struct {
	TTL          time.Duration // metrics cache lifetime
	MaxAttempts  int           // transient failures before an item goes failed
	Workers      int           // concurrent workers for SyncAll
	RetryBackoff time.Duration // delay before a requeued item is eligible again
	WaitForReset bool          // block on rate-limit exhaustion instead of deferring
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	return c
}

// TokenSource resolves a credential for a platform. Implemented by
// creds.Resolver.
type TokenSource interface {
	Resolve(platform models.Platform) (*creds.Credential, error)
}

// ClientFactory builds a platform API client with an authenticated token.
type ClientFactory func(platform models.Platform, token string) (remote.Client, error)

// Status summarizes the outcome of syncing one project.
type Status string

const (
	StatusSynced   Status = "synced"   // fresh data fetched and cached
	StatusCached   Status = "cached"   // cache still fresh, no network traffic
	StatusDeferred Status = "deferred" // queue item not yet eligible, left pending
	StatusFailed   Status = "failed"   // fetch failed
	StatusSkipped  Status = "skipped"  // no credential for the platform
)

// Result is the per-project outcome of a sync pass.
type Result struct {
	ProjectID   string
	ProjectName string
	Platform    models.Platform
	Status      Status
	Err         error
	Duration    time.Duration
	NotBefore   *time.Time // earliest retry time for a deferred item
}

// Orchestrator drives the sync pipeline over the store, the credential
// resolver, the rate limiter, and the platform clients.
type Orchestrator struct {
	store     store.Store
	tokens    TokenSource
	limiter   *ratelimit.Limiter
	newClient ClientFactory
	cfg       Config

	now func() time.Time // test hook
}

// New returns an orchestrator. A nil factory builds the real platform
// clients wired to the limiter.
func New(st store.Store, tokens TokenSource, limiter *ratelimit.Limiter, factory ClientFactory, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		tokens:    tokens,
		limiter:   limiter,
		newClient: factory,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	if o.newClient == nil {
		o.newClient = func(platform models.Platform, token string) (remote.Client, error) {
			return remote.New(platform, token, limiter)
		}
	}
	return o
}

// Limiter exposes the rate limiter for status reporting.
func (o *Orchestrator) Limiter() *ratelimit.Limiter {
	return o.limiter
}

// Enable creates the sync configuration for a project, or re-enables a
// previously disabled one in place.
func (o *Orchestrator) Enable(ctx context.Context, projectID string, rem *models.RemoteRepo) (*models.RemoteRepo, error) {
	existing, err := o.store.GetRemoteRepoByProject(ctx, projectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.SyncEnabled {
			return nil, fmt.Errorf("project %s: %w", projectID, ErrAlreadyEnabled)
		}
		existing.Platform = rem.Platform
		existing.Owner = rem.Owner
		existing.Repo = rem.Repo
		existing.RemoteURL = rem.RemoteURL
		existing.SyncEnabled = true
		if err := o.store.UpdateRemoteRepo(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	rem.ProjectID = projectID
	rem.SyncEnabled = true
	if err := o.store.CreateRemoteRepo(ctx, rem); err != nil {
		return nil, err
	}
	return rem, nil
}

// Disable turns sync off for a project. With deleteCache the configuration
// row and cached metrics are removed entirely; otherwise the row stays so a
// later Enable restores the same owner/repo.
func (o *Orchestrator) Disable(ctx context.Context, projectID string, deleteCache bool) error {
	rem, err := o.store.GetRemoteRepoByProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("project %s: %w", projectID, ErrNotEnabled)
	}
	if err != nil {
		return err
	}

	if deleteCache {
		return o.store.DeleteRemoteRepo(ctx, projectID, true)
	}
	if !rem.SyncEnabled {
		return fmt.Errorf("project %s: %w", projectID, ErrAlreadyDisabled)
	}
	rem.SyncEnabled = false
	return o.store.UpdateRemoteRepo(ctx, rem)
}

// Options control a sync pass.
type Options struct {
	Force          bool // bypass the cache TTL check
	UpdateMetadata bool // propagate fetched metadata onto the project record
	Priority       int  // queue priority, 1 is highest; 0 means default
}

func (opts Options) priority() int {
	if opts.Priority <= 0 {
		return 5
	}
	return opts.Priority
}

// SyncProject synchronizes a single project. A fresh cache short-circuits
// with StatusCached and zero network traffic unless Force is set. Missing
// credentials fail fast before anything is enqueued.
func (o *Orchestrator) SyncProject(ctx context.Context, projectID string, opts Options) (*Result, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	rem, err := o.store.GetRemoteRepoByProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("project %s: %w", project.Name, ErrNotEnabled)
	}
	if err != nil {
		return nil, err
	}
	if !rem.SyncEnabled {
		return nil, fmt.Errorf("project %s: %w", project.Name, ErrNotEnabled)
	}

	res := &Result{ProjectID: projectID, ProjectName: project.Name, Platform: rem.Platform}

	if !opts.Force && o.cacheFresh(ctx, rem.ID) {
		res.Status = StatusCached
		return res, nil
	}

	cred, err := o.tokens.Resolve(rem.Platform)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", project.Name, err)
	}

	item, err := o.store.EnqueueSync(ctx, projectID, rem.Platform, opts.priority())
	if err != nil {
		return nil, err
	}
	claimed, err := o.store.ClaimSyncItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, fmt.Errorf("project %s is already being synced", project.Name)
	}

	start := o.now()
	err = o.process(ctx, claimed, rem, cred.Token, opts)
	res.Duration = o.now().Sub(start)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res, nil
	}
	res.Status = StatusSynced
	return res, nil
}

// SyncAll enqueues every enabled project whose cache is stale (or all of
// them with Force) and drains the queue with a worker pool. One failing
// project never aborts the pass, and every enabled project appears exactly
// once in the returned results.
func (o *Orchestrator) SyncAll(ctx context.Context, opts Options) ([]*Result, error) {
	repos, err := o.store.ListRemoteRepos(ctx, true)
	if err != nil {
		return nil, err
	}

	// Outcomes are keyed by project so a leftover queue item processed by a
	// worker replaces the pre-pass outcome instead of duplicating it.
	var mu sync.Mutex
	outcomes := make(map[string]*Result, len(repos))
	add := func(r *Result) {
		mu.Lock()
		outcomes[r.ProjectID] = r
		mu.Unlock()
	}

	// Resolve credentials once per platform. Platforms without a credential
	// are skipped wholesale rather than erroring the whole pass.
	tokens := map[models.Platform]string{}
	platforms := []models.Platform{}
	missing := map[models.Platform]error{}
	for _, rem := range repos {
		if _, ok := tokens[rem.Platform]; ok {
			continue
		}
		if _, ok := missing[rem.Platform]; ok {
			continue
		}
		cred, err := o.tokens.Resolve(rem.Platform)
		if err != nil {
			missing[rem.Platform] = err
			continue
		}
		tokens[rem.Platform] = cred.Token
		platforms = append(platforms, rem.Platform)
	}

	for _, rem := range repos {
		project, err := o.store.GetProject(ctx, rem.ProjectID)
		if err != nil {
			continue
		}
		res := &Result{ProjectID: rem.ProjectID, ProjectName: project.Name, Platform: rem.Platform}

		if err, ok := missing[rem.Platform]; ok {
			res.Status = StatusSkipped
			res.Err = err
			add(res)
			continue
		}
		if !opts.Force && o.cacheFresh(ctx, rem.ID) {
			res.Status = StatusCached
			add(res)
			continue
		}
		if _, err := o.store.EnqueueSync(ctx, rem.ProjectID, rem.Platform, opts.priority()); err != nil {
			res.Status = StatusFailed
			res.Err = err
			add(res)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.drain(ctx, platforms, tokens, opts, add)
		}()
	}
	wg.Wait()

	// Items the workers could not claim, e.g. released with a future
	// NotBefore by an earlier rate-limited pass, leave their project without
	// an outcome. Report those as deferred rather than dropping them.
	pending, err := o.store.ListSyncQueue(ctx, models.QueuePending)
	if err != nil {
		return nil, err
	}
	deferredUntil := make(map[string]*time.Time, len(pending))
	for _, item := range pending {
		deferredUntil[item.ProjectID] = item.NotBefore
	}

	results := make([]*Result, 0, len(repos))
	for _, rem := range repos {
		res, ok := outcomes[rem.ProjectID]
		if !ok {
			res = &Result{
				ProjectID: rem.ProjectID,
				Platform:  rem.Platform,
				Status:    StatusDeferred,
				NotBefore: deferredUntil[rem.ProjectID],
			}
			if project, err := o.store.GetProject(ctx, rem.ProjectID); err == nil {
				res.ProjectName = project.Name
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// drain claims and processes queue items until no platform has an eligible
// item left or the context is cancelled.
func (o *Orchestrator) drain(ctx context.Context, platforms []models.Platform, tokens map[models.Platform]string, opts Options, add func(*Result)) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimedAny := false
		for _, platform := range platforms {
			item, err := o.store.ClaimNextSync(ctx, platform, o.now())
			if err != nil || item == nil {
				continue
			}
			claimedAny = true
			add(o.processClaimed(ctx, item, tokens[platform], opts))
		}
		if !claimedAny {
			return
		}
	}
}

func (o *Orchestrator) processClaimed(ctx context.Context, item *models.SyncQueueItem, token string, opts Options) *Result {
	res := &Result{ProjectID: item.ProjectID, Platform: item.Platform}
	if project, err := o.store.GetProject(ctx, item.ProjectID); err == nil {
		res.ProjectName = project.Name
	}

	rem, err := o.store.GetRemoteRepoByProject(ctx, item.ProjectID)
	if err != nil {
		_ = o.store.FailSyncItem(ctx, item.ID, err.Error())
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	start := o.now()
	err = o.process(ctx, item, rem, token, opts)
	res.Duration = o.now().Sub(start)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusSynced
	return res
}

// requestsPerSync is the admission weight for one queue item. A single sync
// issues up to four API requests (metadata, open PR count, languages,
// pipelines), so the whole burst is reserved up front instead of
// undercounting by admitting once per item.
const requestsPerSync = 4

// process runs the fetch for one claimed queue item and settles the item's
// final state: completed, released back to pending, requeued with backoff,
// or failed.
func (o *Orchestrator) process(ctx context.Context, item *models.SyncQueueItem, rem *models.RemoteRepo, token string, opts Options) error {
	if err := o.limiter.AdmitN(ctx, rem.Platform, requestsPerSync, o.cfg.WaitForReset); err != nil {
		return o.settle(ctx, item, err)
	}

	client, err := o.newClient(rem.Platform, token)
	if err != nil {
		_ = o.store.FailSyncItem(ctx, item.ID, err.Error())
		return err
	}

	md, err := client.FetchRepoMetadata(ctx, rem.Owner, rem.Repo)
	if err != nil {
		return o.settle(ctx, item, err)
	}

	pipeline, err := client.FetchPipelineStatus(ctx, rem.Owner, rem.Repo)
	if err != nil {
		return o.settle(ctx, item, err)
	}

	now := o.now().UTC()
	pushedAt := md.PushedAt
	metrics := &models.RemoteMetrics{
		RemoteRepoID: rem.ID,
		Stars:        md.Stars,
		Forks:        md.Forks,
		Watchers:     md.Watchers,
		OpenIssues:   md.OpenIssues,
		OpenPRs:      md.OpenPRs,
		Language:     md.Language,
		License:      md.License,
		Description:  md.Description,
		Topics:       md.Topics,
		SizeKB:       md.SizeKB,
		Archived:     md.Archived,
		FetchedAt:    now,
		TTLSeconds:   int(o.cfg.TTL.Seconds()),
	}
	if !pushedAt.IsZero() {
		metrics.PushedAt = &pushedAt
	}
	if err := o.store.SaveRemoteMetrics(ctx, metrics); err != nil {
		_ = o.store.FailSyncItem(ctx, item.ID, err.Error())
		return err
	}

	if pipeline != nil {
		ps := &models.PipelineStatus{
			RemoteRepoID: rem.ID,
			Workflow:     pipeline.Workflow,
			State:        pipeline.State,
			Branch:       pipeline.Branch,
			CommitSHA:    pipeline.CommitSHA,
			URL:          pipeline.URL,
			FetchedAt:    now,
		}
		if !pipeline.StartedAt.IsZero() {
			started := pipeline.StartedAt
			ps.StartedAt = &started
		}
		if !pipeline.CompletedAt.IsZero() {
			completed := pipeline.CompletedAt
			ps.CompletedAt = &completed
		}
		if err := o.store.SavePipelineStatus(ctx, ps); err != nil {
			_ = o.store.FailSyncItem(ctx, item.ID, err.Error())
			return err
		}
	}

	if rem.DefaultBranch != md.DefaultBranch && md.DefaultBranch != "" {
		rem.DefaultBranch = md.DefaultBranch
		_ = o.store.UpdateRemoteRepo(ctx, rem)
	}
	if err := o.store.TouchLastSynced(ctx, rem.ID, now); err != nil {
		return err
	}

	if opts.UpdateMetadata {
		if err := o.updateProjectMetadata(ctx, rem.ProjectID, md); err != nil {
			return err
		}
	}

	return o.store.CompleteSyncItem(ctx, item.ID)
}

// settle maps a fetch error onto the queue item's next state.
//
// Rate-limit exhaustion releases the item back to pending with NotBefore at
// the reset time and does not charge an attempt; the work was never tried.
// Transient network errors requeue with backoff until attempts run out.
// A cancelled or deadline-expired run also releases, since interruption is
// not failure. Not-found and auth rejections are permanent and fail
// immediately.
func (o *Orchestrator) settle(ctx context.Context, item *models.SyncQueueItem, fetchErr error) error {
	var rle *remote.RateLimitedError
	var ne *remote.NetworkError

	switch {
	case errors.As(fetchErr, &rle):
		notBefore := rle.ResetAt
		if notBefore.IsZero() {
			notBefore = o.now().Add(o.cfg.RetryBackoff)
		}
		if err := o.store.ReleaseSyncItem(ctx, item.ID, notBefore); err != nil {
			return err
		}

	case errors.As(fetchErr, &ne):
		if item.Attempts+1 >= o.cfg.MaxAttempts {
			if err := o.store.FailSyncItem(ctx, item.ID, fetchErr.Error()); err != nil {
				return err
			}
			break
		}
		notBefore := o.now().Add(o.cfg.RetryBackoff)
		if err := o.store.RequeueSyncItem(ctx, item.ID, fetchErr.Error(), notBefore); err != nil {
			return err
		}

	case errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded):
		// The store write must outlive the cancelled context so the item
		// actually lands back in pending.
		if err := o.store.ReleaseSyncItem(context.WithoutCancel(ctx), item.ID, o.now()); err != nil {
			return err
		}

	default:
		if err := o.store.FailSyncItem(ctx, item.ID, fetchErr.Error()); err != nil {
			return err
		}
	}
	return fetchErr
}

func (o *Orchestrator) cacheFresh(ctx context.Context, remoteRepoID string) bool {
	metrics, err := o.store.GetRemoteMetrics(ctx, remoteRepoID)
	if err != nil || metrics == nil {
		return false
	}
	return metrics.Fresh(o.now())
}

// updateProjectMetadata propagates fetched description, language, and topics
// onto the project record, filling only what the fetch provided.
func (o *Orchestrator) updateProjectMetadata(ctx context.Context, projectID string, md *remote.Metadata) error {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	changed := false
	if md.Description != "" && project.Description != md.Description {
		project.Description = md.Description
		changed = true
	}
	if md.Language != "" && project.Language != md.Language {
		project.Language = md.Language
		changed = true
	}
	if len(md.Topics) > 0 {
		project.Topics = md.Topics
		changed = true
	}
	if !changed {
		return nil
	}
	return o.store.UpdateProject(ctx, project)
}
