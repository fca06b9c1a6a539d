package core

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendMode selects which scheduler-metadata implementation serves the
// GPU executor (spec §6 backend_mode).
type BackendMode string

const (
	BackendReference BackendMode = "reference"
	BackendAlternate BackendMode = "alternate"
	BackendShadow    BackendMode = "shadow"
)

var validBackendModes = map[BackendMode]bool{
	BackendReference: true,
	BackendAlternate: true,
	BackendShadow:    true,
}

// Config holds the recognized options of spec §6. Loadable from YAML with
// strict field checking, grounded on the teacher's PolicyBundle
// (sim/bundle.go).
type Config struct {
	PageSize           uint32 `yaml:"page_size"`
	TokenBudget        uint32 `yaml:"token_budget"`
	PerRequestChunkCap uint32 `yaml:"per_request_chunk_cap"`
	MaxRunningRequests uint32 `yaml:"max_running_requests"`

	// BlockHeadroom reserves free BlockPool capacity that PrefillAdmission
	// must not consume (spec §4.2 block_headroom input; not itself listed
	// among §6's named options, added here as the config surface for that
	// per-step parameter).
	BlockHeadroom uint32 `yaml:"block_headroom"`

	ShadowEnabled    bool   `yaml:"shadow_enabled"`
	ShadowEveryN     uint32 `yaml:"shadow_every_n"`
	ShadowReportPath string `yaml:"shadow_report_path"`
	ShadowMaxDiffs   uint32 `yaml:"shadow_max_diffs"`

	BackendMode BackendMode `yaml:"backend_mode"`
}

// DefaultConfig returns the configuration with spec-stated defaults
// (page_size=1, shadow disabled with every-call cadence once enabled).
func DefaultConfig() Config {
	return Config{
		PageSize:     1,
		TokenBudget:  256,
		ShadowEveryN: 1,
		BackendMode:  BackendReference,
	}
}

// LoadConfig reads and parses a YAML configuration file with strict
// unknown-key rejection, grounded on sim/bundle.go's LoadPolicyBundle.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks parameter ranges and enum membership.
func (c *Config) Validate() error {
	if c.PageSize == 0 {
		return fmt.Errorf("page_size must be >= 1, got %d", c.PageSize)
	}
	if c.TokenBudget == 0 {
		return fmt.Errorf("token_budget must be >= 1, got %d", c.TokenBudget)
	}
	if !validBackendModes[c.BackendMode] {
		return fmt.Errorf("unknown backend_mode %q; valid options: reference, alternate, shadow", c.BackendMode)
	}
	if c.BackendMode == BackendShadow && !c.ShadowEnabled {
		return fmt.Errorf("backend_mode=shadow requires shadow_enabled=true")
	}
	if c.ShadowEnabled && c.ShadowEveryN == 0 {
		return fmt.Errorf("shadow_every_n must be >= 1 when shadow_enabled")
	}
	return nil
}
