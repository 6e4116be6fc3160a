package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:9000
max_steps: 10
edit_timeout: 30s
rendezvous:
  buffer_ttl: 2m
  sweep_interval: 5s
wiki_helper:
  url: http://wikihelper:8080/mcp
models:
  - name: claude
    provider: anthropic
    model: claude-sonnet-4-5
default_model: claude
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 10, cfg.MaxSteps)
	assert.Equal(t, 100000, cfg.HistoryThreshold)
	assert.Equal(t, 30*time.Second, cfg.EditTimeout)
	assert.Equal(t, RendezvousConfig{BufferTTL: 2 * time.Minute, SweepInterval: 5 * time.Second}, cfg.Rendezvous)
	assert.Equal(t, "http://wikihelper:8080/mcp", cfg.WikiHelper.URL)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, ProviderAnthropic, cfg.Models[0].Provider)
	require.NoError(t, cfg.Validate())
}

func TestLoad_UnknownField(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :3000\nlisten_port: 3000\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("WIKIDESIGNER_LISTEN", ":4000")
	t.Setenv("WIKIDESIGNER_EDIT_TIMEOUT", "90s")
	t.Setenv("WIKIDESIGNER_WIKI_HELPER_URL", "http://override/mcp")
	t.Setenv("WIKIDESIGNER_DEFAULT_MODEL", "qwen-max")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Listen)
	assert.Equal(t, 90*time.Second, cfg.EditTimeout)
	assert.Equal(t, "http://override/mcp", cfg.WikiHelper.URL)
	assert.Equal(t, "qwen-max", cfg.DefaultModel)
	assert.Len(t, cfg.Models, 2)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.MaxSteps = 0
	cfg.WikiHelper.URL = ""
	cfg.Models = append(cfg.Models, ModelConfig{Name: "qwen-plus", Provider: "gemini"})
	cfg.DefaultModel = "missing"

	err := cfg.Validate()
	require.Error(t, err)

	for _, want := range []string{
		"max_steps must be positive",
		"wiki_helper.url is required",
		`duplicate model name "qwen-plus"`,
		`unsupported provider "gemini"`,
		"models[2]: model is required",
		`default_model "missing"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestResolveSystemPrompt(t *testing.T) {
	t.Parallel()

	cfg := Default()
	prompt, err := cfg.ResolveSystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemPrompt, prompt)

	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o644))
	cfg.SystemPromptFile = path
	prompt, err = cfg.ResolveSystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, "from file", prompt)

	cfg.SystemPrompt = "inline"
	prompt, err = cfg.ResolveSystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, "inline", prompt)

	cfg.SystemPrompt = ""
	cfg.SystemPromptFile = filepath.Join(t.TempDir(), "missing.md")
	_, err = cfg.ResolveSystemPrompt()
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.SessionDB = "/var/lib/wikidesigner/chats.db"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
