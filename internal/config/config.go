// ============================================================================
// framecut 組態管理
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: YAML 組態載入、環境變數覆寫、啟動前驗證
//
// 載入順序: 內建預設值 → YAML 檔 → 環境變數（金鑰類只從環境讀）
// 驗證失敗一律包 ErrInvalidConfig，呼叫端用 errors.Is 判斷
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 組態驗證失敗
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete system configuration structure
type Config struct {
	Data struct {
		VideosDir string `yaml:"videos_dir"`
		OutputDir string `yaml:"output_dir"`
	} `yaml:"data"`

	Plan struct {
		WindowSize      int `yaml:"window_size"`
		Stride          int `yaml:"stride"`
		FramesPerWindow int `yaml:"frames_per_window"`
	} `yaml:"plan"`

	Dispatch struct {
		LeaseTimeoutSeconds  int `yaml:"lease_timeout_seconds"`
		MaxAttempts          int `yaml:"max_attempts"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"dispatch"`

	Segment struct {
		AcceptFraction   float64 `yaml:"accept_fraction"`
		MinSegmentFrames int     `yaml:"min_segment_frames"`
	} `yaml:"segment"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Backend struct {
		Type        string  `yaml:"type"` // fixed | openai
		BaseURL     string  `yaml:"base_url"`
		APIKey      string  `yaml:"-"` // environment only, never from file
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"backend"`

	Worker struct {
		ServerURL          string `yaml:"server_url"`
		PollIntervalMs     int    `yaml:"poll_interval_ms"`
		MaxBackoffSeconds  int    `yaml:"max_backoff_seconds"`
		ParseRetries       int    `yaml:"parse_retries"`
		RequestTimeoutSecs int    `yaml:"request_timeout_seconds"`
	} `yaml:"worker"`
}

// Default 回傳可直接運行的預設組態
func Default() *Config {
	var cfg Config
	cfg.Data.VideosDir = "data/videos"
	cfg.Data.OutputDir = "data/output"
	cfg.Plan.WindowSize = 32
	cfg.Plan.Stride = 16
	cfg.Plan.FramesPerWindow = 8
	cfg.Dispatch.LeaseTimeoutSeconds = 300
	cfg.Dispatch.MaxAttempts = 3
	cfg.Dispatch.SweepIntervalSeconds = 10
	cfg.Segment.AcceptFraction = 0.5
	cfg.Segment.MinSegmentFrames = 8
	cfg.Server.Addr = ":8080"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Backend.Type = "openai"
	cfg.Backend.Model = "qwen2.5-vl-7b-instruct"
	cfg.Backend.Temperature = 0.1
	cfg.Backend.MaxTokens = 1024
	cfg.Worker.ServerURL = "http://localhost:8080"
	cfg.Worker.PollIntervalMs = 500
	cfg.Worker.MaxBackoffSeconds = 10
	cfg.Worker.ParseRetries = 2
	cfg.Worker.RequestTimeoutSecs = 600
	return &cfg
}

// Load 讀取 YAML 檔並套用環境變數覆寫。path 為空就只用預設值加環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FRAMECUT_API_KEY"); v != "" {
		c.Backend.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("FRAMECUT_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("FRAMECUT_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FRAMECUT_SERVER_URL"); v != "" {
		c.Worker.ServerURL = v
	}
}

// Validate 檢查跨欄位約束。規劃參數的硬規則：stride 不得大於 window_size，
// 否則窗口之間會出現沒有任何覆蓋的幀。
func (c *Config) Validate() error {
	if c.Plan.WindowSize <= 0 {
		return fmt.Errorf("%w: plan.window_size must be > 0, got %d", ErrInvalidConfig, c.Plan.WindowSize)
	}
	if c.Plan.Stride <= 0 {
		return fmt.Errorf("%w: plan.stride must be > 0, got %d", ErrInvalidConfig, c.Plan.Stride)
	}
	if c.Plan.Stride > c.Plan.WindowSize {
		return fmt.Errorf("%w: plan.stride (%d) must not exceed plan.window_size (%d)",
			ErrInvalidConfig, c.Plan.Stride, c.Plan.WindowSize)
	}
	if c.Plan.FramesPerWindow <= 0 {
		return fmt.Errorf("%w: plan.frames_per_window must be > 0, got %d", ErrInvalidConfig, c.Plan.FramesPerWindow)
	}
	if c.Dispatch.LeaseTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: dispatch.lease_timeout_seconds must be > 0", ErrInvalidConfig)
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("%w: dispatch.max_attempts must be > 0", ErrInvalidConfig)
	}
	if c.Dispatch.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("%w: dispatch.sweep_interval_seconds must be > 0", ErrInvalidConfig)
	}
	if c.Segment.AcceptFraction <= 0 {
		return fmt.Errorf("%w: segment.accept_fraction must be > 0", ErrInvalidConfig)
	}
	if c.Segment.MinSegmentFrames < 1 {
		return fmt.Errorf("%w: segment.min_segment_frames must be >= 1", ErrInvalidConfig)
	}
	switch c.Backend.Type {
	case "fixed", "openai":
	default:
		return fmt.Errorf("%w: backend.type must be fixed or openai, got %q", ErrInvalidConfig, c.Backend.Type)
	}
	return nil
}

func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Dispatch.LeaseTimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Dispatch.SweepIntervalSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Worker.MaxBackoffSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Worker.RequestTimeoutSecs) * time.Second
}
