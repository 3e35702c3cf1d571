package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "prj"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage prj configuration.

Running bare 'prj config' is the same as 'prj config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# prj configuration
# See: prj config show (for effective values and sources)

# SQLite database path (default: ~/.config/prj/prj.db)
# db_path: {{ .DBPath }}

# Sync settings
sync:
  # Metrics cache lifetime in hours (default: 24)
  ttl_hours: {{ .TTLHours }}

  # Transient failures before a queue item is marked failed (default: 3)
  max_attempts: {{ .MaxAttempts }}

  # Concurrent workers for 'prj sync run --all' (default: 2)
  workers: {{ .Workers }}

  # API budget units held back from sync traffic (default: 100)
  safety_buffer: {{ .SafetyBuffer }}

  # Minutes before a requeued item is retried (default: 5)
  retry_backoff_minutes: {{ .RetryBackoffMinutes }}

  # Block until the rate-limit window resets instead of deferring (default: false)
  wait_for_reset: {{ .WaitForReset }}

# API URL overrides for self-hosted instances
# github:
#   api_url: "https://github.example.com/api/v3"
# gitlab:
#   api_url: "https://gitlab.example.com/api/v4"
`

type configTemplateData struct {
	DBPath              string
	TTLHours            int
	MaxAttempts         int
	Workers             int
	SafetyBuffer        int
	RetryBackoffMinutes int
	WaitForReset        bool
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data := configTemplateData{
		DBPath:              viper.GetString("db_path"),
		TTLHours:            viper.GetInt("sync.ttl_hours"),
		MaxAttempts:         viper.GetInt("sync.max_attempts"),
		Workers:             viper.GetInt("sync.workers"),
		SafetyBuffer:        viper.GetInt("sync.safety_buffer"),
		RetryBackoffMinutes: viper.GetInt("sync.retry_backoff_minutes"),
		WaitForReset:        viper.GetBool("sync.wait_for_reset"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "db_path", EnvVar: "PRJ_DB_PATH"},
	{Key: "sync.ttl_hours", EnvVar: "PRJ_SYNC_TTL_HOURS"},
	{Key: "sync.max_attempts", EnvVar: "PRJ_SYNC_MAX_ATTEMPTS"},
	{Key: "sync.workers", EnvVar: "PRJ_SYNC_WORKERS"},
	{Key: "sync.safety_buffer", EnvVar: "PRJ_SYNC_SAFETY_BUFFER"},
	{Key: "sync.retry_backoff_minutes", EnvVar: "PRJ_SYNC_RETRY_BACKOFF_MINUTES"},
	{Key: "sync.wait_for_reset", EnvVar: "PRJ_SYNC_WAIT_FOR_RESET"},
	{Key: "github.api_url", EnvVar: "PRJ_GITHUB_API_URL"},
	{Key: "gitlab.api_url", EnvVar: "PRJ_GITLAB_API_URL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'prj config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
