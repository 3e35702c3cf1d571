package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prjdev/prj/internal/git"
	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/output"
	"github.com/prjdev/prj/internal/ratelimit"
	"github.com/prjdev/prj/internal/remote"
	"github.com/prjdev/prj/internal/syncer"
)

var (
	syncPlatform     string
	syncOwnerRepo    string
	syncDeleteCache  bool
	syncStatusAll    bool
	syncRunAll       bool
	syncForce        bool
	syncUpdateMeta   bool
	syncPriority     int
	queueClearDone   bool
	queueRetryFailed bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync remote repository metadata",
	Long: `Keep remote repository metrics and CI status cached locally.
Fetches go through a durable queue with TTL caching and rate-limit awareness.`,
}

var syncEnableCmd = &cobra.Command{
	Use:   "enable [project]",
	Short: "Enable remote sync for a project",
	Long: `Enable remote sync for a project. The platform and owner/repo are
auto-detected from the project's git origin; use --platform and --repo to
override.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncEnableRun(argOrEmpty(args))
	},
}

var syncDisableCmd = &cobra.Command{
	Use:   "disable [project]",
	Short: "Disable remote sync for a project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncDisableRun(argOrEmpty(args))
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show sync status and cached metrics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncStatusAll || len(args) == 0 {
			return syncStatusAllRun()
		}
		return syncStatusOneRun(args[0])
	},
}

var syncRunCmd = &cobra.Command{
	Use:   "run [project]",
	Short: "Run a sync now",
	Long: `Sync one project, or every enabled project with --all. Projects with a
fresh cache are skipped unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncRunAll {
			return syncRunAllRun()
		}
		return syncRunOneRun(argOrEmpty(args))
	},
}

var syncQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncQueueRun()
	},
}

var syncRateLimitCmd = &cobra.Command{
	Use:   "rate-limit [platform]",
	Short: "Show API rate-limit budgets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRateLimitRun(argOrEmpty(args))
	},
}

func init() {
	syncEnableCmd.Flags().StringVar(&syncPlatform, "platform", "", "Platform override: github or gitlab")
	syncEnableCmd.Flags().StringVar(&syncOwnerRepo, "repo", "", "owner/repo override when auto-detection fails")

	syncDisableCmd.Flags().BoolVar(&syncDeleteCache, "delete-cache", false, "Also delete the sync configuration and cached data")

	syncStatusCmd.Flags().BoolVar(&syncStatusAll, "all", false, "Show status for all projects")

	syncRunCmd.Flags().BoolVar(&syncRunAll, "all", false, "Sync all enabled projects")
	syncRunCmd.Flags().BoolVar(&syncForce, "force", false, "Bypass the cache TTL")
	syncRunCmd.Flags().BoolVar(&syncUpdateMeta, "update-metadata", false, "Propagate fetched metadata onto the project record")
	syncRunCmd.Flags().IntVar(&syncPriority, "priority", 0, "Queue priority (1 = highest)")

	syncQueueCmd.Flags().BoolVar(&queueClearDone, "clear-completed", false, "Remove completed items from the queue")
	syncQueueCmd.Flags().BoolVar(&queueRetryFailed, "retry-failed", false, "Requeue all failed items with attempts reset")

	syncCmd.AddCommand(syncEnableCmd)
	syncCmd.AddCommand(syncDisableCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncQueueCmd)
	syncCmd.AddCommand(syncRateLimitCmd)
	rootCmd.AddCommand(syncCmd)
}

func argOrEmpty(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// clientFactory builds platform clients honoring API URL overrides from
// configuration (for self-hosted GitLab or GitHub Enterprise).
func clientFactory(rec remote.Recorder) syncer.ClientFactory {
	return func(platform models.Platform, token string) (remote.Client, error) {
		client, err := remote.New(platform, token, rec)
		if err != nil {
			return nil, err
		}
		switch c := client.(type) {
		case *remote.GitHubClient:
			if u := viper.GetString("github.api_url"); u != "" {
				c.BaseURL = u
			}
		case *remote.GitLabClient:
			if u := viper.GetString("gitlab.api_url"); u != "" {
				c.BaseURL = u
			}
		}
		return client, nil
	}
}

func syncEnableRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectOrCwd(ctx, s, ref)
	if err != nil {
		return err
	}

	rem, err := detectRemoteRepo(p)
	if err != nil {
		return err
	}

	orch := newOrchestrator(s)
	created, err := orch.Enable(ctx, p.ID, rem)
	if errors.Is(err, syncer.ErrAlreadyEnabled) {
		ui.Warning("Sync already enabled for %s", p.Name)
		return nil
	}
	if err != nil {
		return err
	}

	ui.Success("Enabled sync for %s (%s:%s/%s)", output.Cyan(p.Name), created.Platform, created.Owner, created.Repo)
	return nil
}

// detectRemoteRepo builds the sync configuration from flags or the project's
// git origin.
func detectRemoteRepo(p *models.Project) (*models.RemoteRepo, error) {
	if syncOwnerRepo != "" {
		if syncPlatform == "" {
			return nil, fmt.Errorf("--repo requires --platform")
		}
		platform := models.Platform(syncPlatform)
		if !platform.Valid() {
			return nil, fmt.Errorf("unknown platform: %s", syncPlatform)
		}
		owner, repo, ok := splitOwnerRepo(syncOwnerRepo)
		if !ok {
			return nil, fmt.Errorf("invalid --repo value, expected owner/repo: %s", syncOwnerRepo)
		}
		return &models.RemoteRepo{Platform: platform, Owner: owner, Repo: repo}, nil
	}

	detected, err := git.DetectRemote(git.NewClient(), p.Path)
	if err != nil {
		return nil, fmt.Errorf("detect remote for %s: %w", p.Name, err)
	}
	if detected == nil {
		return nil, fmt.Errorf("project %s has no git origin; use --platform and --repo", p.Name)
	}
	if syncPlatform != "" && models.Platform(syncPlatform) != detected.Platform {
		return nil, fmt.Errorf("origin is on %s but --platform says %s", detected.Platform, syncPlatform)
	}
	return &models.RemoteRepo{
		Platform:  detected.Platform,
		Owner:     detected.Owner,
		Repo:      detected.Repo,
		RemoteURL: detected.URL,
	}, nil
}

func splitOwnerRepo(s string) (owner, repo string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				return "", "", false
			}
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func syncDisableRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectOrCwd(ctx, s, ref)
	if err != nil {
		return err
	}

	orch := newOrchestrator(s)
	err = orch.Disable(ctx, p.ID, syncDeleteCache)
	if errors.Is(err, syncer.ErrAlreadyDisabled) {
		ui.Warning("Sync already disabled for %s", p.Name)
		return nil
	}
	if err != nil {
		return err
	}

	if syncDeleteCache {
		ui.Success("Disabled sync for %s and deleted cached data", output.Cyan(p.Name))
	} else {
		ui.Success("Disabled sync for %s", output.Cyan(p.Name))
	}
	return nil
}

func syncStatusOneRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, ref)
	if err != nil {
		return err
	}
	return projectInfoRun(p.Name)
}

func syncStatusAllRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repos, err := s.ListRemoteRepos(ctx, false)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		ui.Info("No projects have sync configured. Use 'prj sync enable <project>'.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"Project", "Remote", "Enabled", "Stars", "Issues", "PRs", "Pipeline", "Last Sync", "Cache"})
	for _, rem := range repos {
		p, err := s.GetProject(ctx, rem.ProjectID)
		if err != nil {
			continue
		}

		enabled := output.Green("yes")
		if !rem.SyncEnabled {
			enabled = output.Yellow("no")
		}
		lastSync := "never"
		if rem.LastSyncedAt != nil {
			lastSync = output.RelTime(*rem.LastSyncedAt, now)
		}

		stars, issues, prs, cache := "-", "-", "-", "-"
		if m, err := s.GetRemoteMetrics(ctx, rem.ID); err == nil {
			stars = fmt.Sprintf("%d", m.Stars)
			issues = fmt.Sprintf("%d", m.OpenIssues)
			prs = fmt.Sprintf("%d", m.OpenPRs)
			if m.Fresh(now) {
				cache = output.Green("fresh")
			} else {
				cache = output.Yellow("stale")
			}
		}
		pipeline := "-"
		if ps, err := s.GetPipelineStatus(ctx, rem.ID); err == nil {
			pipeline = output.PipelineColor(string(ps.State))
		}

		table.Append([]string{
			output.Cyan(p.Name),
			fmt.Sprintf("%s:%s/%s", rem.Platform, rem.Owner, rem.Repo),
			enabled,
			stars,
			issues,
			prs,
			pipeline,
			lastSync,
			cache,
		})
	}
	table.Render()
	return nil
}

func syncRunOneRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectOrCwd(ctx, s, ref)
	if err != nil {
		return err
	}

	orch := newOrchestrator(s)
	res, err := orch.SyncProject(ctx, p.ID, syncer.Options{
		Force:          syncForce,
		UpdateMetadata: syncUpdateMeta,
		Priority:       syncPriority,
	})
	if err != nil {
		return err
	}
	if err := syncResultError(res); err != nil {
		return err
	}
	printSyncResult(res)
	return nil
}

// syncResultError maps a single-project outcome to the command's exit
// status: a failed sync exits non-zero.
func syncResultError(res *syncer.Result) error {
	if res.Status == syncer.StatusFailed {
		return fmt.Errorf("sync %s: %w", res.ProjectName, res.Err)
	}
	return nil
}

func syncRunAllRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	orch := newOrchestrator(s)
	results, err := orch.SyncAll(ctx, syncer.Options{
		Force:          syncForce,
		UpdateMetadata: syncUpdateMeta,
		Priority:       syncPriority,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		ui.Info("No projects have sync enabled.")
		return nil
	}

	counts := map[syncer.Status]int{}
	for _, res := range results {
		printSyncResult(res)
		counts[res.Status]++
	}
	ui.Info("Synced %d, cached %d, deferred %d, skipped %d, failed %d",
		counts[syncer.StatusSynced], counts[syncer.StatusCached],
		counts[syncer.StatusDeferred], counts[syncer.StatusSkipped],
		counts[syncer.StatusFailed])
	return batchSyncError(counts, len(results))
}

// batchSyncError decides the batch exit status: non-zero only when nothing
// succeeded and at least one project failed.
func batchSyncError(counts map[syncer.Status]int, total int) error {
	failed := counts[syncer.StatusFailed]
	if failed > 0 && failed+counts[syncer.StatusSkipped] == total {
		return fmt.Errorf("all %d project(s) failed to sync", total)
	}
	return nil
}

func printSyncResult(res *syncer.Result) {
	switch res.Status {
	case syncer.StatusSynced:
		ui.Success("%s: synced in %s", output.Cyan(res.ProjectName), res.Duration.Round(time.Millisecond))
	case syncer.StatusCached:
		ui.VerboseLog("%s: cache fresh, skipped", res.ProjectName)
	case syncer.StatusDeferred:
		when := "next pass"
		if res.NotBefore != nil {
			when = output.RelTimeUntil(*res.NotBefore, time.Now())
		}
		ui.Warning("%s: deferred (retry %s)", res.ProjectName, when)
	case syncer.StatusSkipped:
		ui.Warning("%s: skipped (%v)", res.ProjectName, res.Err)
	case syncer.StatusFailed:
		ui.Error("%s: %v", res.ProjectName, res.Err)
	}
}

func syncQueueRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if queueClearDone {
		n, err := s.ClearCompletedSync(ctx)
		if err != nil {
			return err
		}
		ui.Success("Cleared %d completed item(s)", n)
	}
	if queueRetryFailed {
		n, err := s.RetryFailedSync(ctx)
		if err != nil {
			return err
		}
		ui.Success("Requeued %d failed item(s)", n)
	}

	stats, err := s.SyncQueueStats(ctx)
	if err != nil {
		return err
	}
	ui.Info("Queue: %d pending, %d processing, %d completed, %d failed",
		stats[models.QueuePending], stats[models.QueueProcessing],
		stats[models.QueueCompleted], stats[models.QueueFailed])

	items, err := s.ListSyncQueue(ctx, "")
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	table := ui.Table([]string{"Project", "Platform", "Pri", "State", "Attempts", "Not Before", "Last Error"})
	for _, item := range items {
		name := item.ProjectID
		if p, err := s.GetProject(ctx, item.ProjectID); err == nil {
			name = p.Name
		}
		notBefore := ""
		if item.NotBefore != nil {
			notBefore = item.NotBefore.Local().Format("15:04:05")
		}
		table.Append([]string{
			output.Cyan(name),
			string(item.Platform),
			fmt.Sprintf("%d", item.Priority),
			output.QueueColor(string(item.State)),
			fmt.Sprintf("%d", item.Attempts),
			notBefore,
			item.LastError,
		})
	}
	table.Render()
	return nil
}

func syncRateLimitRun(platformName string) error {
	platforms := []models.Platform{models.PlatformGitHub, models.PlatformGitLab}
	if platformName != "" {
		platform := models.Platform(platformName)
		if !platform.Valid() {
			return fmt.Errorf("unknown platform: %s", platformName)
		}
		platforms = []models.Platform{platform}
	}

	resolver := newResolver()
	limiter := ratelimit.New(viper.GetInt("sync.safety_buffer"))
	factory := clientFactory(limiter)

	for _, platform := range platforms {
		cred, err := resolver.Resolve(platform)
		if err != nil {
			ui.Warning("%s: not authenticated", platform)
			continue
		}
		client, err := factory(platform, cred.Token)
		if err != nil {
			return err
		}
		rl, err := client.FetchRateLimit(context.Background())
		if err != nil {
			ui.Error("%s: %v", platform, err)
			continue
		}
		if rl.Zero() {
			ui.Info("%s: no rate-limit information reported", platform)
			continue
		}
		remaining := fmt.Sprintf("%d", rl.Remaining)
		if rl.Remaining <= viper.GetInt("sync.safety_buffer") {
			remaining = output.Red(remaining)
		} else {
			remaining = output.Green(remaining)
		}
		ui.Info("%s: %s/%d remaining, resets %s", output.Cyan(string(platform)),
			remaining, rl.Limit, output.RelTimeUntil(rl.ResetAt, time.Now()))
	}
	return nil
}
