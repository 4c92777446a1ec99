// Package config loads the orchestrator daemon's configuration from defaults,
// an optional config.yaml, and environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the daemon reads at startup.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	GitHubApp GitHubAppConfig `mapstructure:"githubApp"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Access    AccessConfig    `mapstructure:"access"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Data      DataConfig      `mapstructure:"data"`
}

// ServerConfig holds the webhook/status HTTP listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig holds the embedded store's file location.
type DatabaseConfig struct {
	Path         string `mapstructure:"path"`
	ReaderConns  int    `mapstructure:"readerConns"`
	BusyTimeout  int    `mapstructure:"busyTimeoutMs"`
}

// NATSConfig holds the optional internal event-bus configuration.
// An empty URL selects the in-memory bus; durability still lives in the store (see Store).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds the container runtime client configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	Image          string `mapstructure:"image"`
	NetworkMode    string `mapstructure:"networkMode"`
	MemoryLimitMB  int64  `mapstructure:"memoryLimitMb"`
	CPUQuota       int64  `mapstructure:"cpuQuota"`
	PidsLimit      int64  `mapstructure:"pidsLimit"`
}

// GitHubAppConfig holds the app identity used to mint scoped installation tokens.
type GitHubAppConfig struct {
	AppID          int64  `mapstructure:"appId"`
	PrivateKeyPath string `mapstructure:"privateKeyPath"`
	WebhookSecret  string `mapstructure:"webhookSecret"`
	AppSlug        string `mapstructure:"appSlug"`
	APIBaseURL     string `mapstructure:"apiBaseUrl"`
}

// DispatchConfig tunes the per-repo dispatch queue (component C6).
type DispatchConfig struct {
	MaxConcurrent   int `mapstructure:"maxConcurrent"`
	MaxRetries      int `mapstructure:"maxRetries"`
	BaseRetryMs     int `mapstructure:"baseRetryMs"`
	ContainerMs     int `mapstructure:"containerTimeoutMs"`
	IdleTimeoutMs   int `mapstructure:"idleTimeoutMs"`
	MaxOutputBytes  int `mapstructure:"maxOutputBytes"`
}

func (d *DispatchConfig) BaseRetry() time.Duration {
	return time.Duration(d.BaseRetryMs) * time.Millisecond
}

func (d *DispatchConfig) ContainerTimeout() time.Duration {
	return time.Duration(d.ContainerMs) * time.Millisecond
}

func (d *DispatchConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutMs) * time.Millisecond
}

// SchedulerConfig tunes the scheduled-task poll loop (component C9).
type SchedulerConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
}

func (s *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// IPCConfig tunes the file-drop watcher (component C8).
type IPCConfig struct {
	PollIntervalMs int    `mapstructure:"pollIntervalMs"`
	AllowListPath  string `mapstructure:"allowListPath"`
}

func (i *IPCConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// AccessConfig tunes the permission gate and rate limiter (component C5).
type AccessConfig struct {
	MinPermission      string `mapstructure:"minPermission"`
	AllowExternal       bool   `mapstructure:"allowExternal"`
	RateLimitPerUser    int    `mapstructure:"rateLimitPerUser"`
	RateLimitWindowMin  int    `mapstructure:"rateLimitWindowMinutes"`
}

func (a *AccessConfig) RateLimitWindow() time.Duration {
	return time.Duration(a.RateLimitWindowMin) * time.Minute
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DataConfig is the root directory for per-repo IPC/state/checkout trees.
type DataConfig struct {
	Dir          string `mapstructure:"dir"`
	AssistantName string `mapstructure:"assistantName"`
}

// detectDefaultLogFormat mirrors the production/terminal heuristic used for the daemon's own logger.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HOSTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./hostd.db")
	v.SetDefault("database.readerConns", 4)
	v.SetDefault("database.busyTimeoutMs", 5000)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hostd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "hostd-agent:latest")
	v.SetDefault("docker.networkMode", "none")
	v.SetDefault("docker.memoryLimitMb", int64(2048))
	v.SetDefault("docker.cpuQuota", int64(100000))
	v.SetDefault("docker.pidsLimit", int64(512))

	v.SetDefault("githubApp.appId", 0)
	v.SetDefault("githubApp.privateKeyPath", "")
	v.SetDefault("githubApp.webhookSecret", "")
	v.SetDefault("githubApp.appSlug", "")
	v.SetDefault("githubApp.apiBaseUrl", "https://api.github.com")

	v.SetDefault("dispatch.maxConcurrent", 5)
	v.SetDefault("dispatch.maxRetries", 5)
	v.SetDefault("dispatch.baseRetryMs", 5000)
	v.SetDefault("dispatch.containerTimeoutMs", 30*60*1000)
	v.SetDefault("dispatch.idleTimeoutMs", 5*60*1000)
	v.SetDefault("dispatch.maxOutputBytes", 2*1024*1024)

	v.SetDefault("scheduler.pollIntervalMs", 60*1000)

	v.SetDefault("ipc.pollIntervalMs", 1000)
	v.SetDefault("ipc.allowListPath", "")

	v.SetDefault("access.minPermission", "triage")
	v.SetDefault("access.allowExternal", false)
	v.SetDefault("access.rateLimitPerUser", 10)
	v.SetDefault("access.rateLimitWindowMinutes", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.assistantName", "hostd")
}

// DefaultDockerHost returns the platform-appropriate Docker socket, honoring DOCKER_HOST.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from env (HOSTD_ prefix), ./config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra config-file search directory.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HOSTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "HOSTD_LOG_LEVEL")
	_ = v.BindEnv("githubApp.appId", "HOSTD_GITHUB_APP_ID")
	_ = v.BindEnv("githubApp.webhookSecret", "HOSTD_GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("docker.host", "DOCKER_HOST")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hostd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Dispatch.MaxConcurrent < 1 {
		errs = append(errs, "dispatch.maxConcurrent must be at least 1")
	}
	if cfg.Dispatch.MaxRetries < 0 {
		errs = append(errs, "dispatch.maxRetries must not be negative")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}
	if cfg.Access.RateLimitPerUser < 1 {
		errs = append(errs, "access.rateLimitPerUser must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// AbsDataDir resolves the configured data directory to an absolute path.
func (c *Config) AbsDataDir() (string, error) {
	return filepath.Abs(c.Data.Dir)
}
