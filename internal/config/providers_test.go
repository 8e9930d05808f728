package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfiles(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	profiles := cfg.DefaultProfiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, "deepseek", profiles[0].Name)
	assert.Equal(t, "DEEPSEEK_API_KEY", profiles[0].KeyEnvVar)
	assert.Equal(t, "perplexity", profiles[1].Name)
	assert.Equal(t, "/chat/completions", profiles[0].ChatPath)
}

func TestLoadProviderProfilesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `providers:
  - name: deepseek
    base_url: https://api.deepseek.com/v1
    model: deepseek-chat
    timeout_seconds: 90
  - name: localsim
    base_url: http://localhost:9099
    chat_path: /v1/chat
    key_env_var: LOCALSIM_KEY
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := Config{ProviderProfilesPath: path}
	profiles, err := cfg.LoadProviderProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, 90*time.Second, profiles[0].Timeout(5*time.Minute))
	assert.Equal(t, "DEEPSEEK_API_KEY", profiles[0].KeyEnvVar, "key env defaults from name")
	assert.Equal(t, "/chat/completions", profiles[0].ChatPath)
	assert.Equal(t, "/v1/chat", profiles[1].ChatPath)
	assert.Equal(t, "LOCALSIM_KEY", profiles[1].KeyEnvVar)
}

func TestLoadProviderProfilesRejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		cfg := Config{ProviderProfilesPath: filepath.Join(dir, "absent.yaml")}
		_, err := cfg.LoadProviderProfiles()
		require.Error(t, err)
	})

	t.Run("no providers", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))
		cfg := Config{ProviderProfilesPath: path}
		_, err := cfg.LoadProviderProfiles()
		require.Error(t, err)
	})

	t.Run("missing base_url", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		require.NoError(t, os.WriteFile(path, []byte("providers:\n  - name: x\n"), 0o600))
		cfg := Config{ProviderProfilesPath: path}
		_, err := cfg.LoadProviderProfiles()
		require.Error(t, err)
	})
}

func TestProviderKeysOrderAndDedupe(t *testing.T) {
	t.Setenv("TESTPOOL_API_KEY", "key-a")
	t.Setenv("TESTPOOL_API_KEY_2", "key-b")
	t.Setenv("TESTPOOL_API_KEY_3", "key-a") // duplicate of primary
	t.Setenv("TESTPOOL_API_KEY_4", "")
	t.Setenv("TESTPOOL_API_KEY_5", "key-c")

	keys := ProviderKeys("TESTPOOL_API_KEY")
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, keys)
}

func TestProviderKeysEmpty(t *testing.T) {
	assert.Empty(t, ProviderKeys("NEVER_SET_KEY_VAR"))
}

func TestBreakerOverrides(t *testing.T) {
	t.Setenv("CB_AGENT_DEEPSEEK_THRESHOLD", "7")
	t.Setenv("CB_AGENT_DEEPSEEK_TIMEOUT", "45")
	t.Setenv("CB_REDIS_TIMEOUT", "30")
	t.Setenv("CB_BROKEN_THRESHOLD", "not-a-number")

	overrides := BreakerOverrides()

	ds, ok := overrides["AGENT_DEEPSEEK"]
	require.True(t, ok)
	assert.Equal(t, 7, ds.Threshold)
	assert.Equal(t, 45*time.Second, ds.Timeout)

	rd, ok := overrides["REDIS"]
	require.True(t, ok)
	assert.Zero(t, rd.Threshold)
	assert.Equal(t, 30*time.Second, rd.Timeout)

	_, ok = overrides["BROKEN"]
	assert.False(t, ok, "unparseable values are ignored")
}

func TestBreakerEnvName(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"agent:deepseek", "AGENT_DEEPSEEK"},
		{"redis", "REDIS"},
		{"memory-store", "MEMORY_STORE"},
		{"agent:perplexity", "AGENT_PERPLEXITY"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, BreakerEnvName(tt.in))
	}
}
