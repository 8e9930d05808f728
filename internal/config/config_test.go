package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 10, cfg.ToolCallBudget)
	assert.True(t, cfg.ForceDirectAgentAPI)
	assert.Equal(t, 300, cfg.AgentTimeoutSeconds)
	assert.Equal(t, MemoryBackendSQLite, cfg.AgentMemoryBackend)
	assert.Equal(t, "agent_tasks", cfg.TaskStream)
	assert.Equal(t, "scaling_events", cfg.ScalingEventStream)
	assert.Equal(t, 5*time.Minute, cfg.KeyQuarantineCooldown)
}

func TestLoadClampsAgentTimeout(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected int
	}{
		{"below range", "0", 1},
		{"above range", "7200", 3600},
		{"in range", "120", 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AGENT_TIMEOUT_SECONDS", tt.value)
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.AgentTimeoutSeconds)
			assert.Equal(t, time.Duration(tt.expected)*time.Second, cfg.AgentTimeout())
		})
	}
}

func TestLoadRejectsUnknownMemoryBackend(t *testing.T) {
	t.Setenv("AGENT_MEMORY_BACKEND", "cassandra")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_MEMORY_BACKEND")
}

func TestLoadAcceptsFileBackend(t *testing.T) {
	t.Setenv("AGENT_MEMORY_BACKEND", "FILE")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, MemoryBackendFile, cfg.AgentMemoryBackend)
}

func TestLoadRejectsInvertedScaleBounds(t *testing.T) {
	t.Setenv("SCALE_MIN_WORKERS", "5")
	t.Setenv("SCALE_MAX_WORKERS", "2")
	_, err := Load()
	require.Error(t, err)
}

func TestAdminEnabled(t *testing.T) {
	cfg := Config{}
	assert.False(t, cfg.AdminEnabled())
	cfg.AdminUsername = "ops"
	assert.False(t, cfg.AdminEnabled())
	cfg.AdminPassword = "secret"
	assert.True(t, cfg.AdminEnabled())
}

func TestBootstrapBackoffTestMode(t *testing.T) {
	cfg := Config{AppEnv: "test"}
	maxElapsed, initial, maxInterval, multiplier := cfg.BootstrapBackoff()
	assert.Equal(t, 5*time.Second, maxElapsed)
	assert.Equal(t, 100*time.Millisecond, initial)
	assert.Equal(t, time.Second, maxInterval)
	assert.Equal(t, 2.0, multiplier)
}

func TestBootstrapBackoffProdPassthrough(t *testing.T) {
	cfg := Config{
		AppEnv:                   "prod",
		BootstrapMaxElapsedTime:  90 * time.Second,
		BootstrapInitialInterval: time.Second,
		BootstrapMaxInterval:     10 * time.Second,
		BootstrapMultiplier:      1.5,
	}
	maxElapsed, initial, maxInterval, multiplier := cfg.BootstrapBackoff()
	assert.Equal(t, 90*time.Second, maxElapsed)
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 10*time.Second, maxInterval)
	assert.Equal(t, 1.5, multiplier)
}

func TestRetryConfigDelay(t *testing.T) {
	r := RetryConfig{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0}

	assert.Equal(t, 2*time.Second, r.Delay(0))
	assert.Equal(t, 4*time.Second, r.Delay(1))
	assert.Equal(t, 8*time.Second, r.Delay(2))
	assert.Equal(t, 30*time.Second, r.Delay(10), "cap applies")
}

func TestRetryConfigDelayJitterBounded(t *testing.T) {
	r := RetryConfig{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0, Jitter: true}
	for i := 0; i < 50; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2*time.Second+500*time.Millisecond)
	}
}
