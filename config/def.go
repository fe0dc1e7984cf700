package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Model describes the detection model and how to obtain it.
type Model struct {
	Path        string   `yaml:"path"`
	URL         string   `yaml:"url"`
	CacheDir    string   `yaml:"cacheDir"`
	LibraryPath string   `yaml:"libraryPath"`
	Names       []string `yaml:"names"`
	NamesFile   string   `yaml:"namesFile"`
	Confidence  float32  `yaml:"confidence"`
	Iou         float32  `yaml:"iou"`
	InputSize   int      `yaml:"inputSize"`
	UseGPU      bool     `yaml:"useGPU"`
}

// Config is the validated settings value the rest of the toolkit consumes.
// It is read once at startup and never re-read.
type Config struct {
	HTTPPort         int   `yaml:"httpPort"`
	HealthPort       int   `yaml:"healthPort"`
	MetricsPort      int   `yaml:"metricsPort"`
	MaxWorkers       int   `yaml:"maxWorkers"`
	QueueSize        int   `yaml:"queueSize"`
	DefaultBatchSize int   `yaml:"defaultBatchSize"`
	TaskTimeoutMs    int   `yaml:"taskTimeoutMs"`
	Development      bool  `yaml:"development"`
	Model            Model `yaml:"model"`

	// AnnounceURL, when set, enables periodic instance registration with an
	// external registrar.
	AnnounceURL         string `yaml:"announceURL"`
	AnnounceIntervalSec int    `yaml:"announceIntervalSec"`
}

func Default() *Config {
	return &Config{
		HTTPPort:         8080,
		HealthPort:       50052,
		MetricsPort:      50053,
		MaxWorkers:       1,
		DefaultBatchSize: 8,
		Model: Model{
			CacheDir:   "models",
			Confidence: 0.5,
			Iou:        0.5,
			InputSize:  640,
		},
	}
}

// Load reads the YAML file, overlays .env / environment variables and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// A .env next to the binary is optional.
	_ = godotenv.Load()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	if v, ok := intEnv("DET_HTTP_PORT"); ok {
		c.HTTPPort = v
	}
	if v, ok := intEnv("DET_HEALTH_PORT"); ok {
		c.HealthPort = v
	}
	if v, ok := intEnv("DET_METRICS_PORT"); ok {
		c.MetricsPort = v
	}
	if v, ok := intEnv("DET_MAX_WORKERS"); ok {
		c.MaxWorkers = v
	}
	if v, ok := intEnv("DET_QUEUE_SIZE"); ok {
		c.QueueSize = v
	}
	if v, ok := intEnv("DET_BATCH_SIZE"); ok {
		c.DefaultBatchSize = v
	}
	if v, ok := intEnv("DET_TASK_TIMEOUT_MS"); ok {
		c.TaskTimeoutMs = v
	}
	if v := os.Getenv("DET_MODEL_PATH"); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv("DET_MODEL_URL"); v != "" {
		c.Model.URL = v
	}
	if v := os.Getenv("DET_MODEL_CACHE_DIR"); v != "" {
		c.Model.CacheDir = v
	}
	if v := os.Getenv("DET_ORT_LIBRARY"); v != "" {
		c.Model.LibraryPath = v
	}
	if v := os.Getenv("DET_ANNOUNCE_URL"); v != "" {
		c.AnnounceURL = v
	}
}

func intEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("maxWorkers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.DefaultBatchSize < 1 {
		return fmt.Errorf("defaultBatchSize must be >= 1, got %d", c.DefaultBatchSize)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queueSize must not be negative, got %d", c.QueueSize)
	}
	if c.TaskTimeoutMs < 0 {
		return fmt.Errorf("taskTimeoutMs must not be negative, got %d", c.TaskTimeoutMs)
	}
	if c.AnnounceIntervalSec < 0 {
		return fmt.Errorf("announceIntervalSec must not be negative, got %d", c.AnnounceIntervalSec)
	}
	for name, port := range map[string]int{
		"httpPort": c.HTTPPort, "healthPort": c.HealthPort, "metricsPort": c.MetricsPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be a valid TCP port, got %d", name, port)
		}
	}
	if c.Model.Confidence < 0.0 || c.Model.Confidence > 1.0 {
		return fmt.Errorf("model confidence must be between 0.0 and 1.0, got %f", c.Model.Confidence)
	}
	if c.Model.Iou < 0.0 || c.Model.Iou > 1.0 {
		return fmt.Errorf("model iou must be between 0.0 and 1.0, got %f", c.Model.Iou)
	}
	if c.Model.InputSize < 1 {
		return fmt.Errorf("model inputSize must be >= 1, got %d", c.Model.InputSize)
	}
	if c.Model.Path == "" && c.Model.URL == "" {
		return fmt.Errorf("model path or url must be set")
	}
	if len(c.Model.Names) == 0 && c.Model.NamesFile == "" {
		return fmt.Errorf("model names or namesFile must be set")
	}
	return nil
}

// TaskTimeout converts the millisecond setting into a duration; zero means
// no per-task deadline.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}
