// Package config loads the engine's recognized configuration options: a
// YAML document read once at startup, with every unset field defaulted.
// This is strictly the set of options the core itself observes — an
// agent-facing or UI-facing config layer would live elsewhere.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ratchet/internal/logging"
)

// Config holds every recognized option.
type Config struct {
	MaxFeaturesPerSession int `yaml:"max_features_per_session"`

	RegressionCheckEnabled bool `yaml:"regression_check_enabled"`

	ContextWarnThreshold  float64 `yaml:"context_warn_threshold"`
	ContextForceThreshold float64 `yaml:"context_force_threshold"`
	ContextHardThreshold  float64 `yaml:"context_hard_threshold"`

	WallClockSessionTimeout Duration `yaml:"wall_clock_session_timeout"`

	MonitorTickInterval Duration `yaml:"monitor_tick_interval"`

	StagnationFileDelta    int `yaml:"stagnation_file_delta"`
	StagnationCommandDelta int `yaml:"stagnation_command_delta"`
	StagnationTestDelta    int `yaml:"stagnation_test_delta"`

	RepeatedErrorCap int `yaml:"repeated_error_cap"`

	StuckSessionsLimit int `yaml:"stuck_sessions_limit"`

	CleanupInterval int `yaml:"cleanup_interval"`

	CheckpointKeepPerFeature    int      `yaml:"checkpoint_keep_per_feature"`
	CheckpointKeepLastOnSuccess bool     `yaml:"checkpoint_keep_last_on_success"`
	CheckpointMaxAge            Duration `yaml:"checkpoint_max_age"`

	PreflightAttemptReset   bool `yaml:"preflight_attempt_reset"`
	PreflightMaxResetTries  int  `yaml:"preflight_max_reset_tries"`

	SchemaMigrationPolicy MigrationPolicy `yaml:"schema_migration_policy"`

	RejectClaimPolicy RejectClaimPolicy `yaml:"reject_claim_policy"`
}

// RejectClaimPolicy resolves the Open Question of whether a rejected claim
// (the feature's own test fails on independent re-run) also reverts the
// agent's file edits or only the catalog's passing bit.
type RejectClaimPolicy string

const (
	RejectClaimBitOnly    RejectClaimPolicy = "/revert_bit_only"
	RejectClaimBitAndTree RejectClaimPolicy = "/revert_bit_and_tree"
)

// MigrationPolicy names how an older or newer session-state schema is
// handled on load.
type MigrationPolicy string

const (
	MigrationAutoMigrate MigrationPolicy = "/auto_migrate"
	MigrationAbort       MigrationPolicy = "/abort"
	MigrationWarn        MigrationPolicy = "/warn"
)

// Duration wraps time.Duration so it can be written in config YAML as a
// plain string ("30m", "2h") instead of a nanosecond integer.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the engine's built-in defaults, matching the Design
// Notes' choices for every threshold named in the options table.
func Default() *Config {
	return &Config{
		MaxFeaturesPerSession:       1,
		RegressionCheckEnabled:      true,
		ContextWarnThreshold:        0.75,
		ContextForceThreshold:       0.90,
		ContextHardThreshold:        1.0,
		WallClockSessionTimeout:     Duration(2 * time.Hour),
		MonitorTickInterval:         Duration(30 * time.Second),
		StagnationFileDelta:         1,
		StagnationCommandDelta:      1,
		StagnationTestDelta:         1,
		RepeatedErrorCap:            3,
		StuckSessionsLimit:          3,
		CleanupInterval:             5,
		CheckpointKeepPerFeature:    3,
		CheckpointKeepLastOnSuccess: true,
		CheckpointMaxAge:            Duration(14 * 24 * time.Hour),
		PreflightAttemptReset:       true,
		PreflightMaxResetTries:      2,
		SchemaMigrationPolicy:       MigrationWarn,
		RejectClaimPolicy:           RejectClaimBitOnly,
	}
}

// Load reads path and overlays it onto Default(). A missing file is not
// an error: the engine runs on defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("no config at %s, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Strict decoding: an unrecognized key is a configuration error, not a
	// silently dropped typo.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	logging.Boot("config loaded from %s", path)
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if c.MaxFeaturesPerSession != 1 {
		return fmt.Errorf("config: max_features_per_session must be 1 (single-bit-flip contract)")
	}
	if c.ContextWarnThreshold >= c.ContextForceThreshold || c.ContextForceThreshold >= c.ContextHardThreshold {
		return fmt.Errorf("config: context thresholds must be strictly increasing warn < force < hard")
	}
	if c.StuckSessionsLimit < 1 {
		return fmt.Errorf("config: stuck_sessions_limit must be >= 1")
	}
	return nil
}
