package projectconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ragcheck.yaml"), []byte(content), 0o644))
}

func TestLoadNoConfigFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultReportDir, cfg.Paths.Reports)
	assert.Equal(t, DefaultBaseURL, cfg.Defaults.BaseURL)
	assert.Equal(t, DefaultMaxSamples, cfg.Defaults.MaxSamples)
	assert.Equal(t, DefaultThreshold, cfg.Defaults.Threshold)
	assert.Equal(t, DefaultJudgeModel, cfg.Defaults.JudgeModel)
	assert.Equal(t, DefaultTimeoutSec, cfg.Defaults.RequestTimeoutSec)
	require.NotNil(t, cfg.Defaults.Verbose)
	assert.False(t, *cfg.Defaults.Verbose)
}

func TestLoadPartialConfigMergesWithDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
defaults:
  threshold: 0.9
  judge_model: gpt-4.1
  verbose: true
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Defaults.Threshold)
	assert.Equal(t, "gpt-4.1", cfg.Defaults.JudgeModel)
	require.NotNil(t, cfg.Defaults.Verbose)
	assert.True(t, *cfg.Defaults.Verbose)

	// untouched fields keep their defaults
	assert.Equal(t, DefaultBaseURL, cfg.Defaults.BaseURL)
	assert.Equal(t, DefaultMaxSamples, cfg.Defaults.MaxSamples)
	assert.Equal(t, DefaultReportDir, cfg.Paths.Reports)
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
paths:
  reports: out/eval
defaults:
  base_url: http://staging:9090
  max_samples: 10
  threshold: 0.6
  judge_model: gpt-4o
  request_timeout_sec: 120
  verbose: false
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "out/eval", cfg.Paths.Reports)
	assert.Equal(t, "http://staging:9090", cfg.Defaults.BaseURL)
	assert.Equal(t, 10, cfg.Defaults.MaxSamples)
	assert.Equal(t, 0.6, cfg.Defaults.Threshold)
	assert.Equal(t, "gpt-4o", cfg.Defaults.JudgeModel)
	assert.Equal(t, 120, cfg.Defaults.RequestTimeoutSec)
	require.NotNil(t, cfg.Defaults.Verbose)
	assert.False(t, *cfg.Defaults.Verbose)
}

func TestLoadEndpoints(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
endpoints:
  db_host: db.staging
  db_port: "3307"
  db_name: pkv_staging
  qdrant_host: qdrant.staging
  qdrant_collection: segments_v2
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "db.staging", cfg.Endpoints.DBHost)
	assert.Equal(t, "3307", cfg.Endpoints.DBPort)
	assert.Equal(t, "pkv_staging", cfg.Endpoints.DBName)
	assert.Equal(t, "qdrant.staging", cfg.Endpoints.QdrantHost)
	assert.Equal(t, "segments_v2", cfg.Endpoints.QdrantCollection)
	assert.Empty(t, cfg.Endpoints.QdrantPort, "unset endpoints stay empty")
}

func TestLoadWalksUpToParentDirectory(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "defaults:\n  max_samples: 7\n")

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, err := Load(nested)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Defaults.MaxSamples)
}

func TestLoadNearestConfigWins(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "defaults:\n  max_samples: 7\n")

	nested := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writeConfig(t, nested, "defaults:\n  max_samples: 3\n")

	cfg, err := Load(nested)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Defaults.MaxSamples)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "defaults: [not: a: mapping\n")

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing .ragcheck.yaml")
}
