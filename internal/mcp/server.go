package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/store"
	"github.com/prjdev/prj/internal/syncer"
)

// Server wraps the prj data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
	orch  *syncer.Orchestrator
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, orch *syncer.Orchestrator) *Server {
	return &Server{store: s, orch: orch}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("prj", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.syncStatusTool())
	srv.AddTool(s.syncRunTool())
	srv.AddTool(s.queueStatsTool())
	srv.AddTool(s.rateLimitTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// prj_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prj_list_projects",
		mcp.WithDescription("List all tracked projects. Returns a JSON array of projects with id, name, path, description, language, and group."),
		mcp.WithString("group", mcp.Description("Filter by project group name")),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group := request.GetString("group", "")
	projects, err := s.store.ListProjects(ctx, group)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Path        string   `json:"path"`
		Description string   `json:"description"`
		Language    string   `json:"language"`
		Group       string   `json:"group"`
		Topics      []string `json:"topics,omitempty"`
	}

	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{
			ID:          p.ID,
			Name:        p.Name,
			Path:        p.Path,
			Description: p.Description,
			Language:    p.Language,
			Group:       p.GroupName,
			Topics:      p.Topics,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal projects: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// prj_sync_status
func (s *Server) syncStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prj_sync_status",
		mcp.WithDescription("Get cached remote sync status for a project: metrics (stars, forks, issues, PRs), pipeline state, cache freshness, and last sync time. Resolves project by name."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
	)
	return tool, s.handleSyncStatus
}

func (s *Server) handleSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectName, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}

	p, err := s.resolveProject(ctx, projectName)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", projectName)), nil
	}

	rem, err := s.store.GetRemoteRepoByProject(ctx, p.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync not enabled for project: %s", projectName)), nil
	}

	result := map[string]any{
		"project": p.Name,
		"remote": map[string]any{
			"platform":       string(rem.Platform),
			"owner":          rem.Owner,
			"repo":           rem.Repo,
			"default_branch": rem.DefaultBranch,
			"sync_enabled":   rem.SyncEnabled,
		},
	}
	if rem.LastSyncedAt != nil {
		result["last_synced_at"] = rem.LastSyncedAt.Format(time.RFC3339)
	}

	if metrics, err := s.store.GetRemoteMetrics(ctx, rem.ID); err == nil {
		result["metrics"] = map[string]any{
			"stars":       metrics.Stars,
			"forks":       metrics.Forks,
			"watchers":    metrics.Watchers,
			"open_issues": metrics.OpenIssues,
			"open_prs":    metrics.OpenPRs,
			"language":    metrics.Language,
			"license":     metrics.License,
			"archived":    metrics.Archived,
			"fetched_at":  metrics.FetchedAt.Format(time.RFC3339),
			"fresh":       metrics.Fresh(time.Now()),
		}
	}

	if ps, err := s.store.GetPipelineStatus(ctx, rem.ID); err == nil {
		result["pipeline"] = map[string]any{
			"workflow": ps.Workflow,
			"state":    string(ps.State),
			"branch":   ps.Branch,
			"sha":      ps.CommitSHA,
			"url":      ps.URL,
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// prj_sync_run
func (s *Server) syncRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prj_sync_run",
		mcp.WithDescription("Run a sync for one project, fetching remote metadata unless the cache is still fresh. Returns the sync outcome as JSON."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
		mcp.WithBoolean("force", mcp.Description("Bypass the cache TTL and fetch fresh data")),
	)
	return tool, s.handleSyncRun
}

func (s *Server) handleSyncRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectName, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}

	p, err := s.resolveProject(ctx, projectName)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", projectName)), nil
	}

	force := request.GetBool("force", false)
	res, err := s.orch.SyncProject(ctx, p.ID, syncer.Options{Force: force})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}

	out := map[string]any{
		"project":  res.ProjectName,
		"platform": string(res.Platform),
		"status":   string(res.Status),
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// prj_queue_stats
func (s *Server) queueStatsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prj_queue_stats",
		mcp.WithDescription("Get sync queue statistics: counts of pending, processing, completed, and failed items."),
	)
	return tool, s.handleQueueStats
}

func (s *Server) handleQueueStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.SyncQueueStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read queue stats: %v", err)), nil
	}

	out := map[string]int{}
	for state, count := range stats {
		out[string(state)] = count
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// prj_rate_limit
func (s *Server) rateLimitTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prj_rate_limit",
		mcp.WithDescription("Get the last observed API rate-limit budget for a platform (github or gitlab)."),
		mcp.WithString("platform", mcp.Required(), mcp.Description("Platform: github or gitlab")),
	)
	return tool, s.handleRateLimit
}

func (s *Server) handleRateLimit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	platformName, err := request.RequireString("platform")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: platform"), nil
	}
	platform := models.Platform(platformName)
	if !platform.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown platform: %s", platformName)), nil
	}

	rl, ok := s.orch.Limiter().Snapshot(platform)
	if !ok {
		return mcp.NewToolResultText(`{"observed": false}`), nil
	}

	out := map[string]any{
		"observed":  true,
		"limit":     rl.Limit,
		"remaining": rl.Remaining,
		"reset_at":  rl.ResetAt.Format(time.RFC3339),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal rate limit: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// resolveProject finds a project by name first, then by id.
func (s *Server) resolveProject(ctx context.Context, name string) (*models.Project, error) {
	if p, err := s.store.GetProjectByName(ctx, name); err == nil {
		return p, nil
	}
	if p, err := s.store.GetProject(ctx, name); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", name)
}
