package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Automation AutomationConfig `yaml:"automation"`
	Messaging  MessagingConfig  `yaml:"messaging"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	OutboxBatchSize        int    `yaml:"outbox_batch_size"`
	SweepSchedule          string `yaml:"sweep_schedule"` // cron expression for the outbox sweep
	DefaultRunLimitPerHour int    `yaml:"default_run_limit_per_hour"`
}

// MessagingConfig 消息通道配置
type MessagingConfig struct {
	DefaultProvider string        `yaml:"default_provider"` // log, or a gateway name
	Gateway         GatewayConfig `yaml:"gateway"`
}

type GatewayConfig struct {
	Enabled bool          `yaml:"enabled"`
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	applyDefaults(&config)
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.Password == "" {
		cfg.Database.Password = "password"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "monidesk"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 100
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 3600 * time.Second
	}
	if cfg.Automation.OutboxBatchSize == 0 {
		cfg.Automation.OutboxBatchSize = 50
	}
	if cfg.Automation.SweepSchedule == "" {
		cfg.Automation.SweepSchedule = "@every 1m"
	}
	if cfg.Automation.DefaultRunLimitPerHour == 0 {
		cfg.Automation.DefaultRunLimitPerHour = 60
	}
	if cfg.Messaging.DefaultProvider == "" {
		cfg.Messaging.DefaultProvider = "log"
	}
	if cfg.Messaging.Gateway.Timeout == 0 {
		cfg.Messaging.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Log.FilePath == "" {
		cfg.Log.FilePath = "logs/monidesk.log"
	}
	if cfg.Log.MaxSize == 0 {
		cfg.Log.MaxSize = 100
	}
	if cfg.Log.MaxAge == 0 {
		cfg.Log.MaxAge = 7
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Monitoring.Tracing.SampleRatio == 0 {
		cfg.Monitoring.Tracing.SampleRatio = 0.1
	}
	if cfg.Security.RateLimiting.RequestsPerMinute == 0 {
		cfg.Security.RateLimiting.RequestsPerMinute = 120
	}
}
