// Package config provides provider profile loading utilities.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderProfile describes one upstream agent provider: where to reach it,
// which model to request, and which environment variable family holds its
// API keys.
type ProviderProfile struct {
	Name      string  `yaml:"name"`
	BaseURL   string  `yaml:"base_url"`
	ChatPath  string  `yaml:"chat_path"`
	Model     string  `yaml:"model"`
	KeyEnvVar string  `yaml:"key_env_var"`
	// TimeoutSeconds overrides the global agent timeout for this provider.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// Cost per 1K tokens, used when the provider omits usage accounting.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

type providerYAML struct {
	Providers []ProviderProfile `yaml:"providers"`
}

// Timeout returns the per-provider deadline, falling back to def.
func (p ProviderProfile) Timeout(def time.Duration) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return def
}

// DefaultProfiles returns the compiled-in provider set for the platform's
// two research agents.
func (c Config) DefaultProfiles() []ProviderProfile {
	return []ProviderProfile{
		{
			Name:            "deepseek",
			BaseURL:         c.DeepSeekBaseURL,
			ChatPath:        "/chat/completions",
			Model:           c.DeepSeekModel,
			KeyEnvVar:       "DEEPSEEK_API_KEY",
			InputCostPer1K:  0.00027,
			OutputCostPer1K: 0.0011,
		},
		{
			Name:            "perplexity",
			BaseURL:         c.PerplexityBaseURL,
			ChatPath:        "/chat/completions",
			Model:           c.PerplexityModel,
			KeyEnvVar:       "PERPLEXITY_API_KEY",
			InputCostPer1K:  0.001,
			OutputCostPer1K: 0.001,
		},
	}
}

// LoadProviderProfiles returns the provider set, reading the optional YAML
// override file when configured. Profiles missing a name or base URL are
// rejected.
func (c Config) LoadProviderProfiles() ([]ProviderProfile, error) {
	if c.ProviderProfilesPath == "" {
		return c.DefaultProfiles(), nil
	}
	absPath, err := filepath.Abs(c.ProviderProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadProviderProfiles: %w", err)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadProviderProfiles: read %s: %w", absPath, err)
	}
	var doc providerYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("op=config.LoadProviderProfiles: parse %s: %w", absPath, err)
	}
	if len(doc.Providers) == 0 {
		return nil, fmt.Errorf("op=config.LoadProviderProfiles: %s declares no providers", absPath)
	}
	for i := range doc.Providers {
		p := &doc.Providers[i]
		if p.Name == "" || p.BaseURL == "" {
			return nil, fmt.Errorf("op=config.LoadProviderProfiles: provider %d missing name or base_url", i)
		}
		if p.ChatPath == "" {
			p.ChatPath = "/chat/completions"
		}
		if p.KeyEnvVar == "" {
			p.KeyEnvVar = strings.ToUpper(p.Name) + "_API_KEY"
		}
	}
	return doc.Providers, nil
}

// ProviderKeys resolves the ordered key list for a profile: the primary
// variable followed by the _2.._5 suffixes, empty values skipped and
// duplicates removed while preserving first occurrence order.
func ProviderKeys(keyEnvVar string) []string {
	names := []string{keyEnvVar}
	for i := 2; i <= 5; i++ {
		names = append(names, fmt.Sprintf("%s_%d", keyEnvVar, i))
	}
	seen := make(map[string]struct{}, len(names))
	var keys []string
	for _, name := range names {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		keys = append(keys, v)
	}
	return keys
}

// BreakerOverride carries per-breaker tuning read from the environment.
type BreakerOverride struct {
	Threshold int
	Timeout   time.Duration
}

// BreakerOverrides scans the environment for CB_<NAME>_THRESHOLD and
// CB_<NAME>_TIMEOUT (seconds) pairs. Keys are the <NAME> segment; breaker
// names normalize to that form via BreakerEnvName.
func BreakerOverrides() map[string]BreakerOverride {
	out := make(map[string]BreakerOverride)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "CB_") {
			continue
		}
		var name string
		switch {
		case strings.HasSuffix(k, "_THRESHOLD"):
			name = strings.TrimSuffix(strings.TrimPrefix(k, "CB_"), "_THRESHOLD")
		case strings.HasSuffix(k, "_TIMEOUT"):
			name = strings.TrimSuffix(strings.TrimPrefix(k, "CB_"), "_TIMEOUT")
		default:
			continue
		}
		if name == "" || name == "DEFAULT" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			continue
		}
		ov := out[name]
		if strings.HasSuffix(k, "_THRESHOLD") {
			ov.Threshold = n
		} else {
			ov.Timeout = time.Duration(n) * time.Second
		}
		out[name] = ov
	}
	return out
}

// BreakerEnvName converts a breaker name such as "agent:deepseek" to the
// environment segment used by override variables ("AGENT_DEEPSEEK").
func BreakerEnvName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
