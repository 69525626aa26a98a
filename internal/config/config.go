package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Tracing   TracingConfig `mapstructure:"tracing"`
	Redis     RedisConfig
	Log       LogConfig       `mapstructure:"log"`
	Sync      SyncConfig      `mapstructure:"sync"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	MigrateOnly bool `mapstructure:"-"` // 仅迁移模式（迁移后退出）
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Driver    string `mapstructure:"driver"` // mysql | postgres | sqlite
	DSN       string `mapstructure:"dsn"`    // 非空时直接使用
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
	SSLMode   string `mapstructure:"sslmode"`
	Path      string `mapstructure:"path"` // sqlite 文件
	LogLevel  string `mapstructure:"log_level"`
}

type TracingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	ServiceName       string  `mapstructure:"service_name"`
	CollectorEndpoint string  `mapstructure:"collector_endpoint"`
	SampleRatio       float64 `mapstructure:"sample_ratio"` // 0 或 >=1 时全量采样
}

type RedisConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Host     string
	Port     int
	Password string
	DB       int
	Channel  string `mapstructure:"channel"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug/info/warn/error，可热更新
	Format     string `mapstructure:"format"` // 终端输出：console 或 json
	File       string `mapstructure:"file"`   // 为空时不写文件
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SyncConfig 同步缓存与推送通道参数
type SyncConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	PeerDataTTL  time.Duration `mapstructure:"peer_data_ttl"`
	StatsTTL     time.Duration `mapstructure:"stats_ttl"`
	StatsSize    int           `mapstructure:"stats_size"`
	PresenceTTL  time.Duration `mapstructure:"presence_ttl"`
	WarmOnStart  bool          `mapstructure:"warm_on_start"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/quiz_sync.db")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.channel", "quiz_sync_channel")

	v.SetDefault("tracing.service_name", "quiz-sync")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("sync.cache_ttl", 60*time.Second)
	v.SetDefault("sync.peer_data_ttl", 30*time.Second)
	v.SetDefault("sync.stats_ttl", 60*time.Second)
	v.SetDefault("sync.stats_size", 1024)
	v.SetDefault("sync.presence_ttl", 45*time.Second)
	v.SetDefault("sync.warm_on_start", true)
	v.SetDefault("sync.max_batch_size", 5000)

	v.SetDefault("rate_limit.max_requests", 600)
	v.SetDefault("rate_limit.window_minutes", 1)
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("QUIZSYNC")
	v.AutomaticEnv()
	setDefaults(v)

	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.mode", "SERVER_MODE")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	// Sync
	v.BindEnv("sync.cache_ttl", "SYNC_CACHE_TTL")
	v.BindEnv("sync.presence_ttl", "PRESENCE_TTL")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查会导致运行期异常的配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Sync.CacheTTL <= 0 {
		return fmt.Errorf("sync.cache_ttl must be positive, got %s", c.Sync.CacheTTL)
	}
	if c.Sync.PresenceTTL <= 0 {
		return fmt.Errorf("sync.presence_ttl must be positive, got %s", c.Sync.PresenceTTL)
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.WindowMinutes <= 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	return nil
}
