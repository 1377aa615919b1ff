package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CREW_DATA_DIR", dir)

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "crew.db"), c.DBPath)
	assert.Equal(t, filepath.Join(dir, "agents"), c.UserAgentDir)
	assert.Equal(t, ProviderGemini, c.Oracle.Provider)
	assert.Equal(t, "gemini-2.5-flash", c.Oracle.Model)
	assert.Equal(t, 60*time.Second, c.Oracle.Timeout)
	assert.Equal(t, 3, c.Team.MaxSize)
	assert.Zero(t, c.Team.HardCap)
	assert.Equal(t, 0.6, c.Reflection.CorrectionThreshold)
	assert.Equal(t, 0.85, c.Reflection.DedupSimilarity)
	assert.Equal(t, []string{".crew/agents", filepath.Join(dir, "agents")}, c.AgentDirs())
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CREW_DATA_DIR", dir)
	file := `
log_level: debug
oracle:
  provider: openai
  timeout: 15s
  requests_per_second: 2
team:
  max_size: 5
  hard_cap: 4
reflection:
  dedup_similarity: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(file), 0644))
	t.Setenv("CREW_TEAM_HARD_CAP", "2")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, ProviderOpenAI, c.Oracle.Provider)
	assert.Equal(t, "gpt-4o-mini", c.Oracle.Model)
	assert.Equal(t, 15*time.Second, c.Oracle.Timeout)
	assert.Equal(t, 2.0, c.Oracle.RequestsPerSecond)
	assert.Equal(t, "sk-test", c.Oracle.APIKey)
	assert.Equal(t, 5, c.Team.MaxSize)
	assert.Equal(t, 2, c.Team.HardCap)
	assert.Equal(t, 0.9, c.Reflection.DedupSimilarity)
}

func TestInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown provider":   {"CREW_ORACLE_PROVIDER": "llama"},
		"lua without script": {"CREW_ORACLE_PROVIDER": "lua"},
		"bad timeout":        {"CREW_ORACLE_TIMEOUT": "soon"},
		"bad team size":      {"CREW_MAX_TEAM_SIZE": "0"},
		"bad threshold":      {"CREW_CORRECTION_THRESHOLD": "1.5"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CREW_DATA_DIR", t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := New()
			assert.Error(t, err)
		})
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv("CREW_DATA_DIR", dir)
	c, err := New()
	require.NoError(t, err)
	require.NoError(t, c.EnsureDataDir())
	assert.DirExists(t, c.UserAgentDir)
}
