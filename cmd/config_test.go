package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prjdev/prj/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	viper.Reset()
	viper.SetDefault("db_path", filepath.Join(dir, "prj.db"))
	viper.SetDefault("sync.ttl_hours", 24)
	viper.SetDefault("sync.max_attempts", 3)
	viper.SetDefault("sync.workers", 2)
	viper.SetDefault("sync.safety_buffer", 100)
	viper.SetDefault("sync.retry_backoff_minutes", 5)
	viper.SetDefault("sync.wait_for_reset", false)

	ui = output.New()

	return dir
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "prj configuration")
	assert.Contains(t, string(data), "ttl_hours: 24")
	assert.Contains(t, string(data), "max_attempts: 3")
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	defer func() { configForce = false }()
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "prj configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	require.NoError(t, configInitRun())

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	origEditor := os.Getenv("EDITOR")
	origVisual := os.Getenv("VISUAL")
	_ = os.Unsetenv("EDITOR")
	_ = os.Unsetenv("VISUAL")
	t.Cleanup(func() {
		if origEditor != "" {
			_ = os.Setenv("EDITOR", origEditor)
		}
		if origVisual != "" {
			_ = os.Setenv("VISUAL", origVisual)
		}
	})

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	_ = os.Setenv("EDITOR", "echo") // harmless command
	t.Cleanup(func() { _ = os.Unsetenv("EDITOR") })

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	os.Setenv("PRJ_TEST_KEY", "val")
	defer os.Unsetenv("PRJ_TEST_KEY")
	assert.Contains(t, detectSource("test_key", "PRJ_TEST_KEY", fileValues), "env")

	assert.Contains(t, detectSource("key_a", "PRJ_KEY_A_NONEXISTENT", fileValues), "file")

	assert.Contains(t, detectSource("key_b", "PRJ_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestSplitOwnerRepo(t *testing.T) {
	owner, repo, ok := splitOwnerRepo("acme/widget")
	assert.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widget", repo)

	owner, repo, ok = splitOwnerRepo("group/sub/project")
	assert.True(t, ok)
	assert.Equal(t, "group", owner)
	assert.Equal(t, "sub/project", repo)

	for _, bad := range []string{"", "plain", "/x", "x/"} {
		_, _, ok := splitOwnerRepo(bad)
		assert.False(t, ok, bad)
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "********", maskToken("12345678"))
	masked := maskToken("ghp_abcdefghijklmnop")
	assert.Equal(t, "ghp_", masked[:4])
	assert.NotContains(t, masked, "efghijkl")
}
