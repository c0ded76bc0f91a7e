package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"b2chat-sync-service/internal/sla"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	B2Chat   B2ChatConfig   `mapstructure:"b2chat"`
	Sync     SyncConfig     `mapstructure:"sync"`
	SLA      sla.Config     `mapstructure:"sla"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string            `mapstructure:"host"`
	Port         int               `mapstructure:"port"`
	AuthTokens   map[string]string `mapstructure:"auth_tokens"` // token -> caller identity
	ReadTimeout  string            `mapstructure:"read_timeout"`
	WriteTimeout string            `mapstructure:"write_timeout"`
	CorsOrigins  []string          `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql or sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	FilePath     string `mapstructure:"file_path"` // For SQLite
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type B2ChatConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	AuthURL      string `mapstructure:"auth_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Timeout      string `mapstructure:"timeout"`
	MaxRetries   int    `mapstructure:"max_retries"`
}

func (b B2ChatConfig) GetTimeout() time.Duration {
	d, _ := time.ParseDuration(b.Timeout)
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

type SyncConfig struct {
	ExtractPageSize    int             `mapstructure:"extract_page_size"`
	TransformBatchSize int             `mapstructure:"transform_batch_size"`
	MaxAttempts        int             `mapstructure:"max_attempts"` // per-record retry ceiling
	EventHistorySize   int             `mapstructure:"event_history_size"`
	Scheduler          SchedulerConfig `mapstructure:"scheduler"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("B2SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "b2chat_sync.db")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("b2chat.timeout", "30s")
	v.SetDefault("b2chat.max_retries", 3)

	v.SetDefault("sync.extract_page_size", 100)
	v.SetDefault("sync.transform_batch_size", 200)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.event_history_size", 500)
	v.SetDefault("sync.scheduler.enabled", false)
	v.SetDefault("sync.scheduler.cron", "*/15 * * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects configurations that could only fail later at run time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.FilePath == "" {
			return fmt.Errorf("database.file_path is required for the sqlite driver")
		}
	case "mysql":
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database.host and database.database are required for the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q (want mysql or sqlite)", c.Database.Driver)
	}

	if c.B2Chat.BaseURL == "" {
		return fmt.Errorf("b2chat.base_url is required")
	}
	if c.B2Chat.AuthURL == "" {
		return fmt.Errorf("b2chat.auth_url is required")
	}
	if c.B2Chat.ClientID == "" || c.B2Chat.ClientSecret == "" {
		return fmt.Errorf("b2chat.client_id and b2chat.client_secret are required")
	}

	// Office hours and holiday entries are parsed up front so a typo fails
	// startup instead of the first SLA evaluation.
	if _, err := sla.NewCalendar(c.SLA.OfficeHours, c.SLA.Holidays); err != nil {
		return fmt.Errorf("invalid sla configuration: %w", err)
	}

	return nil
}
