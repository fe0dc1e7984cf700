package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validYAML = `
httpPort: 9090
maxWorkers: 4
queueSize: 16
defaultBatchSize: 8
taskTimeoutMs: 250
model:
  path: model/yolo.onnx
  names: [person, car]
  confidence: 0.4
  iou: 0.45
  inputSize: 640
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 16, cfg.QueueSize)
	assert.Equal(t, 8, cfg.DefaultBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.TaskTimeout())
	assert.Equal(t, "model/yolo.onnx", cfg.Model.Path)
	assert.Equal(t, []string{"person", "car"}, cfg.Model.Names)
	assert.InDelta(t, 0.4, cfg.Model.Confidence, 1e-6)
	assert.Equal(t, 640, cfg.Model.InputSize)

	// Untouched fields keep their defaults.
	assert.Equal(t, 50052, cfg.HealthPort)
	assert.Equal(t, 50053, cfg.MetricsPort)
	assert.Equal(t, "models", cfg.Model.CacheDir)
	assert.False(t, cfg.Development)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DET_MAX_WORKERS", "7")
	t.Setenv("DET_HTTP_PORT", "18080")
	t.Setenv("DET_MODEL_PATH", "/opt/models/other.onnx")
	t.Setenv("DET_TASK_TIMEOUT_MS", "0")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxWorkers)
	assert.Equal(t, 18080, cfg.HTTPPort)
	assert.Equal(t, "/opt/models/other.onnx", cfg.Model.Path)
	assert.Equal(t, time.Duration(0), cfg.TaskTimeout())
}

func TestLoad_NonNumericEnvIgnored(t *testing.T) {
	t.Setenv("DET_MAX_WORKERS", "many")
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxWorkers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "maxWorkers: [not a number"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Model.Path = "m.onnx"
		cfg.Model.Names = []string{"person"}
		return cfg
	}

	t.Run("defaults plus model are valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }},
		{"zero batch size", func(c *Config) { c.DefaultBatchSize = 0 }},
		{"negative queue", func(c *Config) { c.QueueSize = -1 }},
		{"negative timeout", func(c *Config) { c.TaskTimeoutMs = -5 }},
		{"negative announce interval", func(c *Config) { c.AnnounceIntervalSec = -1 }},
		{"bad http port", func(c *Config) { c.HTTPPort = 0 }},
		{"bad health port", func(c *Config) { c.HealthPort = 70000 }},
		{"confidence above one", func(c *Config) { c.Model.Confidence = 1.5 }},
		{"negative iou", func(c *Config) { c.Model.Iou = -0.1 }},
		{"zero input size", func(c *Config) { c.Model.InputSize = 0 }},
		{"no model source", func(c *Config) { c.Model.Path = ""; c.Model.URL = "" }},
		{"no class names", func(c *Config) { c.Model.Names = nil; c.Model.NamesFile = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_URLOnlyModel(t *testing.T) {
	cfg := Default()
	cfg.Model.URL = "https://example.com/yolo.onnx"
	cfg.Model.Names = []string{"person"}
	assert.NoError(t, cfg.Validate())
}
