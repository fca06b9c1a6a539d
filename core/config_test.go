package core_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreinfer/schedcore/core"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig_AppliesDefaultsForOmittedFields(t *testing.T) {
	// GIVEN a config file that only sets token_budget
	path := writeConfig(t, "token_budget: 512\n")

	// WHEN loaded
	cfg, err := core.LoadConfig(path)

	// THEN unset fields fall back to DefaultConfig's values
	require.NoError(t, err)
	assert.Equal(t, uint32(512), cfg.TokenBudget)
	assert.Equal(t, uint32(1), cfg.PageSize)
	assert.Equal(t, core.BackendReference, cfg.BackendMode)
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	// GIVEN a config file with a typo'd field name
	path := writeConfig(t, "toekn_budget: 512\n")

	// WHEN loaded with strict decoding
	_, err := core.LoadConfig(path)

	// THEN it is rejected rather than silently ignored
	assert.Error(t, err)
}

func TestLoadConfig_RejectsUnknownBackendMode(t *testing.T) {
	path := writeConfig(t, "backend_mode: quantum\n")
	_, err := core.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsShadowModeWithoutShadowEnabled(t *testing.T) {
	// GIVEN backend_mode: shadow but shadow_enabled left false
	path := writeConfig(t, "backend_mode: shadow\n")

	// WHEN validated
	_, err := core.LoadConfig(path)

	// THEN the cross-field consistency check rejects it
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadow_enabled")
}

func TestLoadConfig_ShadowEnabled_DefaultsEveryNToOne(t *testing.T) {
	path := writeConfig(t, "backend_mode: shadow\nshadow_enabled: true\n")
	cfg, err := core.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cfg.ShadowEveryN)
}

func TestConfig_Validate_RejectsZeroPageSize(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.PageSize = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsZeroTokenBudget(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.TokenBudget = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_AcceptsDefaults(t *testing.T) {
	cfg := core.DefaultConfig()
	assert.NoError(t, cfg.Validate())
}
