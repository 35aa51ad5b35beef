package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Archive   ArchiveConfig       `mapstructure:"archive"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
	// Per-client request rate on POST /execute; 0 disables limiting.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend        string `mapstructure:"backend"`
	Host           string `mapstructure:"host"`
	TimeoutSec     int    `mapstructure:"timeout_sec"`
	MemoryMB       int    `mapstructure:"memory_mb"`
	NanoCPUs       int64  `mapstructure:"cpu_nano"`
	PidsLimit      int64  `mapstructure:"pids_limit"`
	NetworkEnabled bool   `mapstructure:"network_enabled"`
	SettleDelayMS  int    `mapstructure:"settle_delay_ms"`
	WorkspaceRoot  string `mapstructure:"workspace_root"`
	MaxConcurrent  int    `mapstructure:"max_concurrent"`
	PullImages     bool   `mapstructure:"pull_images"`
	MaxOutputKB    int    `mapstructure:"max_output_kb"`
}

// ArchiveConfig controls the append-only copy of successfully executed source.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Dir      string `mapstructure:"dir"`
	Compress bool   `mapstructure:"compress"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language describes how one language is compiled and run.
// Commands are shell-like templates; {source} expands to the staged source
// path inside the container and {dir} to its directory.
type Language struct {
	Image       string            `mapstructure:"image"`
	CompileCmd  string            `mapstructure:"compile_cmd"`
	RunCmd      string            `mapstructure:"run_cmd"`
	Filename    string            `mapstructure:"filename"`
	Environment map[string]string `mapstructure:"environment"`
}

const envPrefix = "RUNMETER"

// New loads and validates the application configuration from the default
// search paths.
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in "." and
// "./config" when path is empty. A missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "rest")
	v.SetDefault("server.http_port", 5000)
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 5)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.host", "")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.cpu_nano", 1_000_000_000)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.settle_delay_ms", 500)
	v.SetDefault("sandbox.workspace_root", "./temp_code")
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.pull_images", true)
	v.SetDefault("sandbox.max_output_kb", 1024)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dir", "./saved_code")
	v.SetDefault("archive.compress", false)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("languages", map[string]any{
		"python": map[string]any{
			"image":    "python:3.9-slim",
			"filename": "main.py",
			"run_cmd":  "python {source}",
		},
		"java": map[string]any{
			"image":       "eclipse-temurin:11-jdk",
			"filename":    "Solution.java",
			"compile_cmd": "javac {source}",
			"run_cmd":     "java -cp {dir} Solution",
		},
		"nodejs": map[string]any{
			"image":    "node:20-alpine",
			"filename": "index.js",
			"run_cmd":  "node {source}",
		},
		"cpp": map[string]any{
			"image":       "gcc:13",
			"filename":    "main.cpp",
			"compile_cmd": "g++ -std=c++17 -O2 -o {dir}/app {source}",
			"run_cmd":     "{dir}/app",
		},
	})
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "rest", "stdio", "http":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'rest', 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}

	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must not be negative, got: %g", c.Server.RateLimitRPS)
	}

	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("server.rate_limit_burst must be positive when rate limiting is enabled, got: %d", c.Server.RateLimitBurst)
	}

	if c.Sandbox.Backend != "docker" && c.Sandbox.Backend != "podman" {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.NanoCPUs < 0 {
		return fmt.Errorf("sandbox.cpu_nano must not be negative, got: %d", c.Sandbox.NanoCPUs)
	}

	if c.Sandbox.SettleDelayMS < 0 {
		return fmt.Errorf("sandbox.settle_delay_ms must not be negative, got: %d", c.Sandbox.SettleDelayMS)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.WorkspaceRoot == "" {
		return errors.New("sandbox.workspace_root must not be empty")
	}

	if c.Archive.Enabled && c.Archive.Dir == "" {
		return errors.New("archive.dir must not be empty when archive.enabled is set")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if len(c.Languages) == 0 {
		return errors.New("at least one entry under languages is required")
	}

	for name, lang := range c.Languages {
		if lang.Image == "" {
			return fmt.Errorf("languages.%s.image must not be empty", name)
		}
		if lang.RunCmd == "" {
			return fmt.Errorf("languages.%s.run_cmd must not be empty", name)
		}
		if lang.Filename == "" {
			return fmt.Errorf("languages.%s.filename must not be empty", name)
		}
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetSettleDelay returns the pause taken before sampling container stats.
func (c *Config) GetSettleDelay() time.Duration {
	return time.Duration(c.Sandbox.SettleDelayMS) * time.Millisecond
}

// GetMaxOutputBytes returns the cap on captured program output in bytes.
func (c *Config) GetMaxOutputBytes() int64 {
	return int64(c.Sandbox.MaxOutputKB) * 1024
}
