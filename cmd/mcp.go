package cmd

import (
	"github.com/spf13/cobra"

	"github.com/prjdev/prj/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients query prj natively for projects, sync status, queue
statistics, and rate-limit budgets. Configure with:

  {
    "mcpServers": {
      "prj": { "command": "prj", "args": ["mcp"] }
    }
  }

Available tools: prj_list_projects, prj_sync_status, prj_sync_run,
prj_queue_stats, prj_rate_limit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		srv := mcp.NewServer(s, newOrchestrator(s))
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
