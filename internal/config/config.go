package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RemoteConfig describes the remote API the queue replays actions against.
type RemoteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
	Timeout   string `mapstructure:"timeout"`
}

func (r RemoteConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

type StorageConfig struct {
	FilePath string `mapstructure:"file_path"` // SQLite file backing the queue
}

type SyncConfig struct {
	MaxRetries     int    `mapstructure:"max_retries"`
	ResolutionMode string `mapstructure:"resolution_mode"` // auto or manual
}

type NetworkConfig struct {
	ProbeURL          string `mapstructure:"probe_url"`
	ProbeInterval     string `mapstructure:"probe_interval"`
	DegradedThreshold string `mapstructure:"degraded_threshold"`
}

func (n NetworkConfig) GetProbeInterval() time.Duration {
	d, err := time.ParseDuration(n.ProbeInterval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

func (n NetworkConfig) GetDegradedThreshold() time.Duration {
	d, err := time.ParseDuration(n.DegradedThreshold)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"` // cron spec, e.g. "@every 1m"
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	Host        string   `mapstructure:"host"`
	CorsOrigins []string `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Empty defaults register the keys so env overrides reach Unmarshal.
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.auth_token", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("network.probe_url", "")
	v.SetDefault("storage.file_path", "queue.db")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.resolution_mode", "auto")
	v.SetDefault("network.probe_interval", "15s")
	v.SetDefault("network.degraded_threshold", "2s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 1m")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env vars are enough to run.
		if !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is required")
	}

	return &cfg, nil
}

func isNotExist(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return strings.Contains(err.Error(), "no such file")
}
