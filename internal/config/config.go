// Package config loads gateway settings from an optional YAML file overlaid
// by environment variables. Environment always wins, so deployments can ship
// a base file and override per-instance knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is the full runtime configuration of the gateway.
type Config struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"database_url"`
	PolicyVersion string `yaml:"policy_version"`

	ConstitutionPath string `yaml:"constitution_path"`
	IdentitiesPath   string `yaml:"identities_path"`

	ApprovalTTLSeconds       int `yaml:"approval_ttl_seconds"`
	EscalationInitialSeconds int `yaml:"escalation_initial_timeout_seconds"`
	EscalationMaxSeconds     int `yaml:"escalation_max_timeout_seconds"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds"`

	BlastBox BlastBox `yaml:"blastbox"`
}

// BlastBox holds the sandbox limits.
type BlastBox struct {
	Image          string  `yaml:"image"`
	MemoryLimit    string  `yaml:"memory_limit"`
	CPULimit       float64 `yaml:"cpu_limit"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	NetworkMode    string  `yaml:"network_mode"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Port:                     "8080",
		PolicyVersion:            "v1",
		ConstitutionPath:         "CONSTITUTION.md",
		IdentitiesPath:           "identities.json",
		ApprovalTTLSeconds:       3600,
		EscalationInitialSeconds: 300,
		EscalationMaxSeconds:     3600,
		SweepIntervalSeconds:     30,
		BlastBox: BlastBox{
			Image:          "python:3.12-slim",
			MemoryLimit:    "256m",
			CPULimit:       1.0,
			TimeoutSeconds: 30,
			NetworkMode:    "none",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// GAVEL_CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("GAVEL_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.PolicyVersion, "POLICY_VERSION")
	setString(&cfg.ConstitutionPath, "CONSTITUTION_PATH")
	setString(&cfg.IdentitiesPath, "IDENTITIES_PATH")

	setInt(&cfg.ApprovalTTLSeconds, "APPROVAL_TTL_SECONDS")
	setInt(&cfg.EscalationInitialSeconds, "ESCALATION_INITIAL_TIMEOUT_SECONDS")
	setInt(&cfg.EscalationMaxSeconds, "ESCALATION_MAX_TIMEOUT_SECONDS")
	setInt(&cfg.SweepIntervalSeconds, "SWEEP_INTERVAL_SECONDS")

	setString(&cfg.BlastBox.Image, "BLASTBOX_IMAGE")
	setString(&cfg.BlastBox.MemoryLimit, "BLASTBOX_MEMORY_LIMIT")
	setFloat(&cfg.BlastBox.CPULimit, "BLASTBOX_CPU_LIMIT")
	setInt(&cfg.BlastBox.TimeoutSeconds, "BLASTBOX_TIMEOUT_SECONDS")
	setString(&cfg.BlastBox.NetworkMode, "BLASTBOX_NETWORK_MODE")
}

func (c Config) validate() error {
	if c.ApprovalTTLSeconds <= 0 {
		return fmt.Errorf("config: approval TTL must be positive, got %d", c.ApprovalTTLSeconds)
	}
	if c.EscalationInitialSeconds <= 0 || c.EscalationMaxSeconds <= 0 {
		return fmt.Errorf("config: escalation timeouts must be positive")
	}
	if c.EscalationMaxSeconds < c.EscalationInitialSeconds {
		return fmt.Errorf("config: hard deadline %ds is shorter than initial window %ds",
			c.EscalationMaxSeconds, c.EscalationInitialSeconds)
	}
	if c.BlastBox.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: sandbox timeout must be positive, got %d", c.BlastBox.TimeoutSeconds)
	}
	return nil
}

// ApprovalTTL returns the approval window as a duration.
func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSeconds) * time.Second
}

// EscalationInitial returns the soft review window.
func (c Config) EscalationInitial() time.Duration {
	return time.Duration(c.EscalationInitialSeconds) * time.Second
}

// EscalationMax returns the hard deadline.
func (c Config) EscalationMax() time.Duration {
	return time.Duration(c.EscalationMaxSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
