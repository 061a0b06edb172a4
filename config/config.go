package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine and service configuration.
type Config struct {
	Environment string         `yaml:"environment" env:"ENVIRONMENT" default:"development"`
	Server      ServerConfig   `yaml:"server"`
	Redis       RedisConfig    `yaml:"redis"`
	Database    DatabaseConfig `yaml:"database"`
	Engine      EngineConfig   `yaml:"engine"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Port         int           `yaml:"port" env:"PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" default:"60s"`
}

// RedisConfig holds the remote store configuration. The default DB index is
// 1 so flag data never shares an index with a general-purpose application
// cache and cannot be evicted alongside it.
type RedisConfig struct {
	URL          string        `yaml:"url" env:"REDIS_URL"`
	Host         string        `yaml:"host" env:"REDIS_HOST" default:"localhost"`
	Port         int           `yaml:"port" env:"REDIS_PORT" default:"6379"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD" default:""`
	DB           int           `yaml:"db" env:"REDIS_DB" default:"1"`
	Namespace    string        `yaml:"namespace" env:"REDIS_NAMESPACE" default:"magick:features"`
	PoolSize     int           `yaml:"pool_size" env:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"3s"`
}

// DatabaseConfig holds the durable store configuration.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER" default:"postgres"`
	Host     string `yaml:"host" env:"DB_HOST" default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" default:"5432"`
	Database string `yaml:"database" env:"DB_NAME" default:"magick"`
	Username string `yaml:"username" env:"DB_USER" default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD" default:""`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSLMODE" default:"disable"`
	Path     string `yaml:"path" env:"DB_PATH"` // sqlite file path
	MaxConns int    `yaml:"max_conns" env:"DB_MAX_CONNS" default:"10"`
}

// EngineConfig holds evaluation-engine options.
type EngineConfig struct {
	MemoryTTL        time.Duration        `yaml:"memory_ttl" default:"3600s"`
	AsyncUpdates     bool                 `yaml:"async_updates" env:"ASYNC_UPDATES" default:"false"`
	WarnOnDeprecated bool                 `yaml:"warn_on_deprecated" default:"true"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics          MetricsConfig        `yaml:"performance_metrics"`
}

// CircuitBreakerConfig holds breaker tuning for remote store writes.
type CircuitBreakerConfig struct {
	Threshold int           `yaml:"threshold" default:"5"`
	Timeout   time.Duration `yaml:"timeout" default:"60s"`
}

// MetricsConfig holds the usage-metrics pipeline configuration.
// RedisTracking accepts "auto", "on" or "off"; "auto" enables remote
// tracking whenever a remote store is configured.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled" env:"METRICS_ENABLED" default:"true"`
	BatchSize     int           `yaml:"batch_size" default:"100"`
	FlushInterval time.Duration `yaml:"flush_interval" default:"60s"`
	RedisTracking string        `yaml:"redis_tracking" default:"auto"`
}

// Load loads configuration from the file named by CONFIG_FILE (when set)
// and applies defaults followed by environment variable overrides.
func Load() (*Config, error) {
	config := &Config{}

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		data, err := os.ReadFile(configFile)
		if err == nil {
			yaml.Unmarshal(data, config)
		}
	}

	applyDefaults(config)
	applyEnvVars(config)

	return config, nil
}

// Default returns a configuration with every default applied and no file or
// environment input. Useful for embedding the engine with code-level options.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Environment == "" {
		config.Environment = "development"
	}

	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 10 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 10 * time.Second
	}
	if config.Server.IdleTimeout == 0 {
		config.Server.IdleTimeout = 60 * time.Second
	}

	if config.Redis.Host == "" {
		config.Redis.Host = "localhost"
	}
	if config.Redis.Port == 0 {
		config.Redis.Port = 6379
	}
	if config.Redis.DB == 0 {
		config.Redis.DB = 1
	}
	if config.Redis.Namespace == "" {
		config.Redis.Namespace = "magick:features"
	}
	if config.Redis.PoolSize == 0 {
		config.Redis.PoolSize = 10
	}
	if config.Redis.DialTimeout == 0 {
		config.Redis.DialTimeout = 5 * time.Second
	}
	if config.Redis.ReadTimeout == 0 {
		config.Redis.ReadTimeout = 3 * time.Second
	}
	if config.Redis.WriteTimeout == 0 {
		config.Redis.WriteTimeout = 3 * time.Second
	}

	if config.Database.Driver == "" {
		config.Database.Driver = "postgres"
	}
	if config.Database.Host == "" {
		config.Database.Host = "localhost"
	}
	if config.Database.Port == 0 {
		config.Database.Port = 5432
	}
	if config.Database.Database == "" {
		config.Database.Database = "magick"
	}
	if config.Database.Username == "" {
		config.Database.Username = "postgres"
	}
	if config.Database.SSLMode == "" {
		config.Database.SSLMode = "disable"
	}
	if config.Database.MaxConns == 0 {
		config.Database.MaxConns = 10
	}

	if config.Engine.MemoryTTL == 0 {
		config.Engine.MemoryTTL = time.Hour
	}
	if config.Engine.CircuitBreaker.Threshold == 0 {
		config.Engine.CircuitBreaker.Threshold = 5
	}
	if config.Engine.CircuitBreaker.Timeout == 0 {
		config.Engine.CircuitBreaker.Timeout = 60 * time.Second
	}
	if config.Engine.Metrics.BatchSize == 0 {
		config.Engine.Metrics.BatchSize = 100
	}
	if config.Engine.Metrics.FlushInterval == 0 {
		config.Engine.Metrics.FlushInterval = 60 * time.Second
	}
	if config.Engine.Metrics.RedisTracking == "" {
		config.Engine.Metrics.RedisTracking = "auto"
	}
}

func applyEnvVars(config *Config) {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		config.Redis.URL = url
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		config.Redis.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Redis.Port = p
		}
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		config.Redis.Password = pass
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = d
		}
	}
	if ns := os.Getenv("REDIS_NAMESPACE"); ns != "" {
		config.Redis.Namespace = ns
	}

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		config.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Database.Port = p
		}
	}
	if db := os.Getenv("DB_NAME"); db != "" {
		config.Database.Database = db
	}
	if user := os.Getenv("DB_USER"); user != "" {
		config.Database.Username = user
	}
	if pass := os.Getenv("DB_PASSWORD"); pass != "" {
		config.Database.Password = pass
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		config.Database.Path = path
	}

	if async := os.Getenv("ASYNC_UPDATES"); async != "" {
		if b, err := strconv.ParseBool(async); err == nil {
			config.Engine.AsyncUpdates = b
		}
	}
	if enabled := os.Getenv("METRICS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Engine.Metrics.Enabled = b
		}
	}
}
