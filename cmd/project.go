package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prjdev/prj/internal/git"
	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/output"
	"github.com/prjdev/prj/internal/store"
)

var (
	projectGroup string
	projectName  string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage tracked projects",
	Long:  "Add, remove, list, and show tracked development projects.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a project to tracking",
	Long:  "Add a project directory to prj tracking. Use '.' for the current directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-path>",
	Aliases: []string{"rm"},
	Short:   "Remove a project from tracking",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun()
	},
}

var projectInfoCmd = &cobra.Command{
	Use:   "info [name]",
	Short: "Show detailed project information",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}
		return projectInfoRun(ref)
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Override project name (default: directory name)")
	projectAddCmd.Flags().StringVar(&projectGroup, "group", "", "Project group name")

	projectListCmd.Flags().StringVar(&projectGroup, "group", "", "Filter by group")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectInfoCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectAddRun(rawPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absPath)
	}

	name := projectName
	if name == "" {
		name = filepath.Base(absPath)
	}

	gc := git.NewClient()
	remoteURL, _ := gc.RemoteURL(absPath)

	p := &models.Project{
		Name:      name,
		Path:      absPath,
		RepoURL:   remoteURL,
		GroupName: projectGroup,
	}

	if err := s.CreateProject(context.Background(), p); err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(name), absPath)
	if remoteURL != "" {
		ui.VerboseLog("Remote: %s", remoteURL)
	}
	return nil
}

func projectRemoveRun(nameOrPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProject(ctx, s, nameOrPath)
	if err != nil {
		return err
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	ui.Success("Removed project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx, projectGroup)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects tracked. Use 'prj project add <path>' to get started.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"Name", "Path", "Language", "Group", "Sync", "Last Sync"})
	for _, p := range projects {
		syncCol := ""
		lastSync := ""
		if rem, err := s.GetRemoteRepoByProject(ctx, p.ID); err == nil {
			if rem.SyncEnabled {
				syncCol = output.Green(string(rem.Platform))
			} else {
				syncCol = output.Yellow("disabled")
			}
			if rem.LastSyncedAt != nil {
				lastSync = output.RelTime(*rem.LastSyncedAt, now)
			} else {
				lastSync = "never"
			}
		}

		table.Append([]string{
			output.Cyan(p.Name),
			p.Path,
			p.Language,
			p.GroupName,
			syncCol,
			lastSync,
		})
	}
	table.Render()
	return nil
}

func projectInfoRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := resolveProjectOrCwd(ctx, s, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  Path:       %s\n", p.Path)
	if p.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", p.Description)
	}
	if p.GroupName != "" {
		fmt.Fprintf(ui.Out, "  Group:      %s\n", p.GroupName)
	}
	if p.Language != "" {
		fmt.Fprintf(ui.Out, "  Language:   %s\n", p.Language)
	}
	if len(p.Topics) > 0 {
		fmt.Fprintf(ui.Out, "  Topics:     %s\n", strings.Join(p.Topics, ", "))
	}
	if p.RepoURL != "" {
		fmt.Fprintf(ui.Out, "  Remote:     %s\n", p.RepoURL)
	}

	rem, err := s.GetRemoteRepoByProject(ctx, p.ID)
	if err != nil {
		fmt.Fprintf(ui.Out, "  Sync:       off\n")
		return nil
	}

	fmt.Fprintln(ui.Out)
	state := output.Green("enabled")
	if !rem.SyncEnabled {
		state = output.Yellow("disabled")
	}
	fmt.Fprintf(ui.Out, "  Sync:       %s (%s:%s/%s)\n", state, rem.Platform, rem.Owner, rem.Repo)
	if rem.LastSyncedAt != nil {
		fmt.Fprintf(ui.Out, "  Last sync:  %s\n", output.RelTime(*rem.LastSyncedAt, time.Now()))
	}

	if metrics, err := s.GetRemoteMetrics(ctx, rem.ID); err == nil {
		fresh := output.Green("fresh")
		if !metrics.Fresh(time.Now()) {
			fresh = output.Yellow("stale")
		}
		fmt.Fprintf(ui.Out, "  Metrics:    ★ %d  ⑂ %d  issues %d  PRs %d (%s)\n",
			metrics.Stars, metrics.Forks, metrics.OpenIssues, metrics.OpenPRs, fresh)
	}
	if ps, err := s.GetPipelineStatus(ctx, rem.ID); err == nil {
		fmt.Fprintf(ui.Out, "  Pipeline:   %s %s on %s\n",
			output.PipelineColor(string(ps.State)), ps.Workflow, ps.Branch)
	}
	return nil
}

// resolveProject finds a project by name first, then by path.
func resolveProject(ctx context.Context, s store.Store, nameOrPath string) (*models.Project, error) {
	if p, err := s.GetProjectByName(ctx, nameOrPath); err == nil {
		return p, nil
	}

	absPath, _ := filepath.Abs(nameOrPath)
	if p, err := s.GetProjectByPath(ctx, absPath); err == nil {
		return p, nil
	}

	return nil, fmt.Errorf("project not found: %s", nameOrPath)
}

// resolveProjectOrCwd resolves by ref when given, otherwise from the current
// directory.
func resolveProjectOrCwd(ctx context.Context, s store.Store, ref string) (*models.Project, error) {
	if ref != "" {
		return resolveProject(ctx, s, ref)
	}
	return resolveProjectFromCwd(ctx, s)
}

func resolveProjectFromCwd(ctx context.Context, s store.Store) (*models.Project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	// Try exact path match
	if p, err := s.GetProjectByPath(ctx, cwd); err == nil {
		return p, nil
	}

	// Try git repo root (supports subdirectories)
	gc := git.NewClient()
	if root, err := gc.RepoRoot(cwd); err == nil && root != cwd {
		if p, err := s.GetProjectByPath(ctx, root); err == nil {
			return p, nil
		}
	}

	return nil, fmt.Errorf("no tracked project found for current directory: %s\nSpecify a project name or run from a tracked project directory", cwd)
}
