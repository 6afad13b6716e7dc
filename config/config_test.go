package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the global config at a temp dir and runs the test from
// an empty working directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Chdir(dir)
	return dir
}

func TestGlobalPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/tandem/tandem.yml", GlobalPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	got := GlobalPath()
	assert.True(t, filepath.IsAbs(got))
	assert.True(t, strings.HasSuffix(got, filepath.Join(".config", "tandem", "tandem.yml")), got)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	assert.False(t, Exists())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "risky", cfg.ReviewPolicy)
	assert.Equal(t, 3, cfg.MaxRejections)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 200*time.Millisecond, cfg.Stagger)
	assert.Equal(t, 2*time.Minute, cfg.ToolTimeout)
	assert.True(t, cfg.ParallelTools)
	assert.True(t, cfg.Persist)
	assert.Equal(t, ".tandem", cfg.DataDir)
	assert.Equal(t, ".tandem.hooks.yml", cfg.HooksFile)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "normal", cfg.Mode)
	assert.Equal(t, "prompt", cfg.Approval)
	assert.Empty(t, cfg.ApprovedCommands)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPrecedence(t *testing.T) {
	isolate(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(GlobalPath()), 0o755))
	require.NoError(t, os.WriteFile(GlobalPath(), []byte("model: global-model\nprovider: anthropic\nmax_turns: 10\n"), 0o644))
	require.NoError(t, os.WriteFile(ProjectPath(), []byte("model: project-model\nstagger: 1s\n"), 0o644))
	assert.True(t, Exists())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "project-model", cfg.Model)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 10, cfg.MaxTurns)
	assert.Equal(t, time.Second, cfg.Stagger)

	t.Setenv("TANDEM_MODEL", "env-model")
	t.Setenv("TANDEM_PARALLEL_TOOLS", "false")
	t.Setenv("TANDEM_TOOL_TIMEOUT", "30s")
	t.Setenv("TANDEM_APPROVED_COMMANDS", `^git push,^make clean$`)
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"^git push", "^make clean$"}, cfg.ApprovedCommands)
	assert.Equal(t, "env-model", cfg.Model)
	assert.False(t, cfg.ParallelTools)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("model", "", "")
	flags.Int("max-turns", 0, "")
	require.NoError(t, flags.Parse([]string{"--model", "flag-model"}))
	cfg, err = LoadWithFlags(flags)
	require.NoError(t, err)
	assert.Equal(t, "flag-model", cfg.Model)
	assert.Equal(t, 10, cfg.MaxTurns, "unset flags do not override")
}

func TestWriteProjectRoundTrip(t *testing.T) {
	isolate(t)

	in := &Config{
		Provider:       "openai",
		Model:          "gpt-4.1",
		ReviewPolicy:   "always",
		MaxRejections:  2,
		MaxConcurrency: 8,
		Stagger:        500 * time.Millisecond,
		ToolTimeout:    time.Minute,
		DataDir:        ".data",
		LogLevel:       "debug",
		LogFormat:      "json",
	}
	require.NoError(t, WriteProject(in))

	out, err := Load()
	require.NoError(t, err)
	assert.Equal(t, in.Model, out.Model)
	assert.Equal(t, in.ReviewPolicy, out.ReviewPolicy)
	assert.Equal(t, 8, out.MaxConcurrency)
	assert.Equal(t, 500*time.Millisecond, out.Stagger)
	assert.Equal(t, time.Minute, out.ToolTimeout)
	assert.Equal(t, "json", out.LogFormat)
}

func TestWriteGlobalCreatesDirectory(t *testing.T) {
	isolate(t)
	require.NoError(t, WriteGlobal(&Config{Model: "m"}))
	data, err := os.ReadFile(GlobalPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "model: m")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		MaxConcurrency:   0,
		MaxRejections:    1,
		Stagger:          -time.Second,
		Transport:        "grpc",
		Approval:         "always",
		ApprovedCommands: []string{"("},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrency")
	assert.Contains(t, err.Error(), "durations")
	assert.Contains(t, err.Error(), `unknown transport "grpc"`)
	assert.Contains(t, err.Error(), `unknown approval "always"`)
	assert.Contains(t, err.Error(), "approved_commands")
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "TANDEM_REVIEW_POLICY", EnvName("review_policy"))
	assert.Len(t, Keys(), len(defaults))
}
