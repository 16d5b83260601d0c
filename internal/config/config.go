package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Neo4j       Neo4jConfig       `mapstructure:"neo4j"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Recommender RecommenderConfig `mapstructure:"recommender"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Security    SecurityConfig    `mapstructure:"security"`
}

type ServerConfig struct {
	Port            string          `mapstructure:"port"`
	Mode            string          `mapstructure:"mode" validate:"oneof=development production test"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client over a sliding window. Zero disables limiting.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" validate:"min=0"`
	Window   time.Duration `mapstructure:"window"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections" validate:"min=1"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

type Neo4jConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topics  struct {
		RatingEvents string `mapstructure:"rating_events"`
		DeadLetter   string `mapstructure:"dead_letter"`
	} `mapstructure:"topics"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	APIKeys   []string      `mapstructure:"api_keys"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// RecommenderConfig drives matrix construction and neighbor queries.
type RecommenderConfig struct {
	K                int           `mapstructure:"k" validate:"min=1"`
	MaxUsers         int           `mapstructure:"max_users" validate:"min=1"`
	MaxItems         int           `mapstructure:"max_items" validate:"min=1"`
	Centering        bool          `mapstructure:"centering"`
	RatingScale      float64       `mapstructure:"rating_scale" validate:"gt=0"`
	MinSimilarity    *float64      `mapstructure:"min_similarity" validate:"omitempty,gte=-1,lte=1"`
	DuplicatePolicy  string        `mapstructure:"duplicate_policy" validate:"oneof=overwrite reject"`
	OutOfRangePolicy string        `mapstructure:"out_of_range_policy" validate:"oneof=fail skip"`
	Workers          int           `mapstructure:"workers" validate:"min=1"`
	DefaultCount     int           `mapstructure:"default_count" validate:"min=1"`
	MaxCount         int           `mapstructure:"max_count" validate:"gtefield=DefaultCount"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	RebuildInterval  time.Duration `mapstructure:"rebuild_interval"`
	Source           string        `mapstructure:"source" validate:"oneof=postgres neo4j csv"`
	CSVPath          string        `mapstructure:"csv_path" validate:"required_if=Source csv"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// Set defaults
	setDefaults(v)

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks struct tags on the whole configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit.requests", 600)
	v.SetDefault("server.rate_limit.window", "1m")

	// Database defaults
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_time", "15m")
	v.SetDefault("database.max_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("redis.cache_ttl", "15m")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "rating-ingestors")
	v.SetDefault("kafka.topics.rating_events", "rating-events")
	v.SetDefault("kafka.topics.dead_letter", "rating-events-dlq")

	// Auth defaults
	v.SetDefault("auth.token_ttl", "24h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Recommender defaults
	v.SetDefault("recommender.k", 300)
	v.SetDefault("recommender.max_users", 300000)
	v.SetDefault("recommender.max_items", 200000)
	v.SetDefault("recommender.centering", true)
	v.SetDefault("recommender.rating_scale", 1.0)
	v.SetDefault("recommender.duplicate_policy", "overwrite")
	v.SetDefault("recommender.out_of_range_policy", "fail")
	v.SetDefault("recommender.workers", 4)
	v.SetDefault("recommender.default_count", 10)
	v.SetDefault("recommender.max_count", 100)
	v.SetDefault("recommender.query_timeout", "2s")
	v.SetDefault("recommender.rebuild_interval", "5m")
	v.SetDefault("recommender.source", "postgres")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"*"})
}
