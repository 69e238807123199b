package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server       ServerConfig
	Auth         AuthConfig
	Broker       BrokerConfig
	Cache        CacheConfig
	WebSocket    WebSocketConfig
	RateLimit    RateLimitConfig
	Subscription SubscriptionConfig
	Metrics      MetricsConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int    // Seconds
	EmitToken       string // Bearer token for the /v1 endpoints; empty disables them
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TenantClaim       string
	RevocationListKey string
}

type BrokerConfig struct {
	Type     string
	Channels Channels
	Redis    RedisConfig
	Kafka    KafkaConfig
}

// Channels names the pub/sub channels shared by every instance.
// Dots keep the names valid as Kafka topics.
type Channels struct {
	Updates string
	Control string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type CacheConfig struct {
	Namespace          string
	SnapshotTTL        int // Seconds
	OpTimeout          int // Milliseconds
	BreakerMaxFailures uint32
	BreakerOpenTimeout int // Seconds
	PresenceKeyPrefix  string
	PresenceTTL        int // Seconds
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	SendBuffer       int
	KeepAlive        bool
	AllowedOrigins   []string
}

type RateLimitConfig struct {
	ConnectionsPerTenant    int
	ConnectionWindow        int // Seconds
	SubscribesPerConnection int
	SubscribeWindow         int // Seconds
	MaxViolations           int
	FailOpen                bool
}

type SubscriptionConfig struct {
	MaxPerConnection int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LogConfig struct {
	Level       string
	Environment string
}

var (
	instance *AppConfig
	initErr  error
	once     sync.Once
)

// Initialize loads the configuration for env exactly once. Subsequent calls
// return the error of the first attempt.
func Initialize(env string) error {
	once.Do(func() {
		instance, initErr = Load(env)
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}

// Load builds a fresh configuration from config.<env>.yaml (optional),
// defaults and METRICSPOOLER_* environment variables.
func Load(env string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METRICSPOOLER")
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if cfg.Log.Environment == "" {
		cfg.Log.Environment = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
