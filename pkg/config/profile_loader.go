package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile tunes engine behavior for one deployment shape (a phone app backs
// off differently than a server-side worker). Zero fields fall back to the
// owning package's defaults, so a profile only has to state what it changes.
type Profile struct {
	Name     string         `yaml:"name"`
	Call     CallConfig     `yaml:"call"`
	Circuit  CircuitConfig  `yaml:"circuit"`
	Cache    CacheConfig    `yaml:"cache"`
	Drain    DrainConfig    `yaml:"drain"`
	Conflict ConflictConfig `yaml:"conflict"`
	// PoliciesFile points at the adapter trim-policy YAML (pkg/adapt).
	PoliciesFile string `yaml:"policies_file,omitempty"`
	// Compat maps an entity kind to the semver range of payload versions
	// the current build can still submit, e.g. "guest: ^1.0".
	Compat map[string]string `yaml:"compat,omitempty"`
}

// CallConfig tunes the resilient call executor.
type CallConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseDelayMs   int `yaml:"base_delay_ms"`
	MaxDelayMs    int `yaml:"max_delay_ms"`
	MaxJitterMs   int `yaml:"max_jitter_ms"`
	CallTimeoutMs int `yaml:"call_timeout_ms"`
}

func (c CallConfig) BaseDelay() time.Duration   { return time.Duration(c.BaseDelayMs) * time.Millisecond }
func (c CallConfig) MaxDelay() time.Duration    { return time.Duration(c.MaxDelayMs) * time.Millisecond }
func (c CallConfig) MaxJitter() time.Duration   { return time.Duration(c.MaxJitterMs) * time.Millisecond }
func (c CallConfig) CallTimeout() time.Duration { return time.Duration(c.CallTimeoutMs) * time.Millisecond }

// CircuitConfig tunes per-endpoint circuit breakers.
type CircuitConfig struct {
	Threshold      int     `yaml:"threshold"`
	CooldownMs     int     `yaml:"cooldown_ms"`
	CooldownFactor float64 `yaml:"cooldown_factor"`
	MaxCooldownMs  int     `yaml:"max_cooldown_ms"`
}

func (c CircuitConfig) Cooldown() time.Duration    { return time.Duration(c.CooldownMs) * time.Millisecond }
func (c CircuitConfig) MaxCooldown() time.Duration { return time.Duration(c.MaxCooldownMs) * time.Millisecond }

// CacheConfig tunes the layered cache.
type CacheConfig struct {
	Namespace      string `yaml:"namespace"`
	MemoryCapacity int    `yaml:"memory_capacity"`
	MemoryTTLMs    int    `yaml:"memory_ttl_ms"`
	SharedTTLMs    int    `yaml:"shared_ttl_ms"`
	EdgeTTLMs      int    `yaml:"edge_ttl_ms"`
	// EdgeEnabled adds the blob tier when a blob store is configured.
	EdgeEnabled bool `yaml:"edge_enabled"`
}

func (c CacheConfig) MemoryTTL() time.Duration { return time.Duration(c.MemoryTTLMs) * time.Millisecond }
func (c CacheConfig) SharedTTL() time.Duration { return time.Duration(c.SharedTTLMs) * time.Millisecond }
func (c CacheConfig) EdgeTTL() time.Duration   { return time.Duration(c.EdgeTTLMs) * time.Millisecond }

// DrainConfig tunes the queue drainer.
type DrainConfig struct {
	MaxWorkers   int     `yaml:"max_workers"`
	MaxAttempts  int     `yaml:"max_attempts"`
	BatchLimit   int     `yaml:"batch_limit"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	Burst        int     `yaml:"burst"`
	StaleAfterMs int     `yaml:"stale_after_ms"`
}

func (c DrainConfig) StaleAfter() time.Duration { return time.Duration(c.StaleAfterMs) * time.Millisecond }

// ConflictConfig picks resolution strategies. Strategy tokens are
// "last-write-wins" (or "lww"), "server-wins", "merge" and "user-choice".
// Merges maps an entity kind to a merge rule: the reserved words "fields"
// and "prefer-local" select the built-in merges; anything else is compiled
// as a CEL expression over `local` and `remote`.
type ConflictConfig struct {
	Default    string            `yaml:"default"`
	Strategies map[string]string `yaml:"strategies,omitempty"`
	Merges     map[string]string `yaml:"merges,omitempty"`
}

// DefaultProfile is the baseline every deployment starts from; shipped
// profiles override parts of it.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Call: CallConfig{
			MaxAttempts:   5,
			BaseDelayMs:   500,
			MaxDelayMs:    30_000,
			MaxJitterMs:   250,
			CallTimeoutMs: 30_000,
		},
		Circuit: CircuitConfig{
			Threshold:      5,
			CooldownMs:     30_000,
			CooldownFactor: 2,
			MaxCooldownMs:  300_000,
		},
		Cache: CacheConfig{
			Namespace:      "wedsync",
			MemoryCapacity: 2048,
			MemoryTTLMs:    60_000,
			SharedTTLMs:    300_000,
			EdgeTTLMs:      3_600_000,
			EdgeEnabled:    false,
		},
		Drain: DrainConfig{
			MaxWorkers:   4,
			MaxAttempts:  5,
			BatchLimit:   256,
			RatePerSec:   0,
			Burst:        1,
			StaleAfterMs: 300_000,
		},
		Conflict: ConflictConfig{
			Default: "last-write-wins",
		},
	}
}

// LoadProfile loads profile_<name>.yaml from dir.
func LoadProfile(dir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in dir, keyed by profile name.
func LoadAllProfiles(dir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Name] = &profile
	}

	return profiles, nil
}
