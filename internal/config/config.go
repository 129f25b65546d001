// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath              = "config.yaml"
	defaultFetchTimeoutSecs  = 30
	defaultInputSize         = 256
	defaultMaxDownloadMB     = 256
	defaultCacheSize         = 128
	defaultHeatmapImageRatio = 0.5
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Models    ModelsConfig    `yaml:"models"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Inference InferenceConfig `yaml:"inference"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxUploadMB bounds multipart uploads on /analyze/upload.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

type ModelsConfig struct {
	Dir string `yaml:"dir"`
	// Files maps a task name to its ONNX artifact, relative to Dir. The
	// metadata sidecar shares the base name with a .json extension.
	Files map[string]string `yaml:"files"`
}

type RuntimeConfig struct {
	// SharedLibraryPath points at the onnxruntime shared object. Empty uses
	// the platform default search path.
	SharedLibraryPath string `yaml:"shared_library_path"`
	// Device is one of auto, cpu, cuda.
	Device       string `yaml:"device"`
	CUDADeviceID int    `yaml:"cuda_device_id"`
	IntraThreads int    `yaml:"intra_op_threads"`
}

type FetchConfig struct {
	TimeoutSeconds int  `yaml:"timeout_seconds"`
	MaxDownloadMB  int  `yaml:"max_download_mb"`
	Concurrent     bool `yaml:"concurrent"`
}

type InferenceConfig struct {
	InputSize      int      `yaml:"input_size"`
	SaliencyTasks  []string `yaml:"saliency_tasks"`
	HeatmapWeight  float64  `yaml:"heatmap_image_weight"`
	DisableHeatmap bool     `yaml:"disable_heatmap"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig mirrors the behaviour of the reference deployment: port 5000,
// three artifacts under models/, 30 second downloads.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 5000
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.MaxUploadMB = 100

	cfg.Models.Dir = "models"
	cfg.Models.Files = map[string]string{
		"acl":      "acl_model.onnx",
		"meniscus": "meniscus_model.onnx",
		"abnormal": "abnormal_model.onnx",
	}

	cfg.Runtime.Device = "auto"

	cfg.Fetch.TimeoutSeconds = defaultFetchTimeoutSecs
	cfg.Fetch.MaxDownloadMB = defaultMaxDownloadMB
	cfg.Fetch.Concurrent = true

	cfg.Inference.InputSize = defaultInputSize
	cfg.Inference.SaliencyTasks = []string{"acl"}
	cfg.Inference.HeatmapWeight = defaultHeatmapImageRatio

	cfg.Cache.Enabled = true
	cfg.Cache.Size = defaultCacheSize

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	return cfg
}

// Load reads path (falling back to defaults when the file does not exist),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if envPath := os.Getenv("CDSS_CONFIG"); envPath != "" {
		path = envPath
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	// An empty artifact name disables a task.
	for task, file := range cfg.Models.Files {
		if strings.TrimSpace(file) == "" {
			delete(cfg.Models.Files, task)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envOverrideInt(&cfg.Server.Port, "PORT")
	if origins := os.Getenv("CDSS_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}
	envOverride(&cfg.Models.Dir, "CDSS_MODEL_DIR")
	envOverride(&cfg.Runtime.SharedLibraryPath, "CDSS_ORT_LIBRARY")
	envOverride(&cfg.Runtime.Device, "CDSS_DEVICE")
	envOverrideInt(&cfg.Runtime.CUDADeviceID, "CDSS_CUDA_DEVICE_ID")
	envOverrideInt(&cfg.Fetch.TimeoutSeconds, "CDSS_FETCH_TIMEOUT_SECONDS")
	envOverrideBool(&cfg.Cache.Enabled, "CDSS_CACHE_ENABLED")
	envOverrideBool(&cfg.Inference.DisableHeatmap, "CDSS_DISABLE_HEATMAP")
	if tasks := os.Getenv("CDSS_SALIENCY_TASKS"); tasks != "" {
		cfg.Inference.SaliencyTasks = splitList(tasks)
	}
	envOverride(&cfg.Logging.Level, "CDSS_LOG_LEVEL")
	envOverride(&cfg.Logging.Format, "CDSS_LOG_FORMAT")
	envOverride(&cfg.Logging.File, "CDSS_LOG_FILE")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch strings.ToLower(c.Runtime.Device) {
	case "auto", "cpu", "cuda":
		c.Runtime.Device = strings.ToLower(c.Runtime.Device)
	default:
		return fmt.Errorf("invalid runtime device %q (want auto, cpu or cuda)", c.Runtime.Device)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = defaultFetchTimeoutSecs
	}
	if c.Fetch.MaxDownloadMB <= 0 {
		c.Fetch.MaxDownloadMB = defaultMaxDownloadMB
	}
	if c.Inference.InputSize <= 0 {
		c.Inference.InputSize = defaultInputSize
	}
	if c.Inference.HeatmapWeight < 0 || c.Inference.HeatmapWeight > 1 {
		return fmt.Errorf("heatmap_image_weight must be within [0,1], got %v", c.Inference.HeatmapWeight)
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = defaultCacheSize
	}
	for task := range c.Models.Files {
		switch task {
		case "acl", "meniscus", "abnormal":
		default:
			return fmt.Errorf("unknown model task %q", task)
		}
	}
	return nil
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envOverrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envOverrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
