package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Greater(t, cfg.IngestWorkers, 0)
	require.NoError(t, cfg.Validate())
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]string{"-addr", ":9090", "-max-traces", "5", "-ingestWorkers", "2", "-store-backend", "postgres"})
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.StoreMaxTraces)
	assert.Equal(t, 2, cfg.IngestWorkers)
	assert.Equal(t, "postgres", cfg.StoreBackend)
}

func TestParseReadsEnvironmentDefaults(t *testing.T) {
	t.Setenv("RACE_STORE_BACKEND", "postgres")
	t.Setenv("RACE_MAX_TRACES", "42")

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 42, cfg.StoreMaxTraces)
}

func TestParseFlagOverridesEnvironment(t *testing.T) {
	t.Setenv("RACE_STORE_BACKEND", "postgres")

	cfg, err := Parse([]string{"-store-backend", "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreBackend)
}

func TestValidateRejectsNonPositiveQueue(t *testing.T) {
	cfg, err := Parse([]string{"-ingestQueue", "0"})
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveSkew(t *testing.T) {
	cfg, err := Parse([]string{"-ingestMaxSkew", "0s"})
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyBackend(t *testing.T) {
	cfg, err := Parse([]string{"-store-backend", ""})
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}
