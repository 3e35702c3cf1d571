package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prjdev/prj/internal/creds"
	"github.com/prjdev/prj/internal/output"
	"github.com/prjdev/prj/internal/ratelimit"
	"github.com/prjdev/prj/internal/store"
	"github.com/prjdev/prj/internal/syncer"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "prj",
	Short: "Project tracker with remote metadata sync",
	Long: `prj tracks local projects and keeps their remote metadata fresh.
It syncs repository metrics and CI status from GitHub and GitLab through a
durable queue with TTL caching and rate-limit awareness.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/prj/config.yaml)")
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "prj")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PRJ")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	defaultConfigDir := configDir()

	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "prj.db"))
	viper.SetDefault("sync.ttl_hours", 24)
	viper.SetDefault("sync.max_attempts", 3)
	viper.SetDefault("sync.workers", 2)
	viper.SetDefault("sync.safety_buffer", 100)
	viper.SetDefault("sync.retry_backoff_minutes", 5)
	viper.SetDefault("sync.wait_for_reset", false)
	viper.SetDefault("github.api_url", "")
	viper.SetDefault("gitlab.api_url", "")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Initialize store lazily so config/version commands run without a db.
}

// getStore returns the shared store, initializing it on first call. Items
// orphaned in processing by a previous crash are reset to pending here.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := rootCmd.Context()
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if n, err := s.ResetOrphanedSync(ctx); err == nil && n > 0 {
		ui.VerboseLog("reset %d orphaned sync item(s) to pending", n)
	}

	dataStore = s
	return dataStore, nil
}

func newResolver() *creds.Resolver {
	return creds.NewResolver(configDir())
}

func syncConfig() syncer.Config {
	return syncer.Config{
		TTL:          time.Duration(viper.GetInt("sync.ttl_hours")) * time.Hour,
		MaxAttempts:  viper.GetInt("sync.max_attempts"),
		Workers:      viper.GetInt("sync.workers"),
		RetryBackoff: time.Duration(viper.GetInt("sync.retry_backoff_minutes")) * time.Minute,
		WaitForReset: viper.GetBool("sync.wait_for_reset"),
	}
}

// newOrchestrator wires the sync pipeline from configuration.
func newOrchestrator(s store.Store) *syncer.Orchestrator {
	limiter := ratelimit.New(viper.GetInt("sync.safety_buffer"))
	return syncer.New(s, newResolver(), limiter, clientFactory(limiter), syncConfig())
}
