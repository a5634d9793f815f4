package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 8, cfg.Orchestrator.MaxToolRounds)
	assert.Equal(t, 4, cfg.Orchestrator.SearchLimit)
	assert.Equal(t, "ClinicalGuideline", cfg.Weaviate.Class)
	assert.False(t, cfg.HasDatabase())
}

func TestLoad_FromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"CDS_TEST_UNUSED=1\nMAX_TOOL_ROUNDS=3\nFHIR_TIMEOUT=2s\nKAFKA_BROKERS=a:9092, b:9092\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"CDS_TEST_UNUSED", "MAX_TOOL_ROUNDS", "FHIR_TIMEOUT", "KAFKA_BROKERS"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Orchestrator.MaxToolRounds)
	assert.Equal(t, 2*time.Second, cfg.FHIR.Timeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.HasKafka())
}

func TestValidate(t *testing.T) {
	t.Setenv("MAX_TOOL_ROUNDS", "0")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "MAX_TOOL_ROUNDS")

	t.Setenv("MAX_TOOL_ROUNDS", "8")
	t.Setenv("FHIR_BASE_URL", "not a url")
	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "FHIR_BASE_URL")
}

func TestValidate_CycleTimeoutLeavesRoomForAnswer(t *testing.T) {
	t.Setenv("LLM_TIMEOUT", "60s")
	t.Setenv("CYCLE_TIMEOUT", "60s")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "CYCLE_TIMEOUT (1m0s) must exceed LLM_TIMEOUT (1m0s)")

	t.Setenv("CYCLE_TIMEOUT", "90s")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Greater(t, cfg.Orchestrator.CycleTimeout, cfg.LLM.Timeout)
}
