package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TenantClaim == "" {
			return errors.New("auth.tenantClaim must be configured when auth is enabled")
		}
	}

	// The cache half of the bridge always lives in Redis, whatever carries pub/sub.
	if c.Broker.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}
	if c.Broker.Channels.Updates == "" || c.Broker.Channels.Control == "" {
		return errors.New("broker channels must be configured")
	}
	if c.Broker.Channels.Updates == c.Broker.Channels.Control {
		return errors.New("updates and control channels must differ")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "redis":
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.Cache.SnapshotTTL < 1 {
		return errors.New("cache snapshot TTL must be at least 1 second")
	}
	if c.Cache.OpTimeout < 1 {
		return errors.New("cache op timeout must be positive")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}
	if c.WebSocket.SendBuffer < 1 {
		return errors.New("send buffer must be positive")
	}
	if c.Cache.PresenceTTL <= c.WebSocket.ActivityTimeout {
		return errors.New("presence TTL should be greater than activity timeout")
	}

	if c.RateLimit.ConnectionsPerTenant < 1 || c.RateLimit.SubscribesPerConnection < 1 {
		return errors.New("rate limits must be positive")
	}
	if c.RateLimit.ConnectionWindow < 1 || c.RateLimit.SubscribeWindow < 1 {
		return errors.New("rate limit windows must be at least 1 second")
	}
	if c.RateLimit.MaxViolations < 1 {
		return errors.New("max violations must be positive")
	}
	if c.Subscription.MaxPerConnection < 1 {
		return errors.New("max subscriptions per connection must be positive")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "METRICSPOOLER_PORT")
	v.BindEnv("server.emitToken", "METRICSPOOLER_EMIT_TOKEN")

	// Auth
	v.BindEnv("auth.enabled", "METRICSPOOLER_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "METRICSPOOLER_AUTH_JWT_SECRET")
	v.BindEnv("auth.tenantClaim", "METRICSPOOLER_AUTH_TENANT_CLAIM")
	v.BindEnv("auth.revocationListKey", "METRICSPOOLER_AUTH_REVOCATION_KEY")

	// Broker
	v.BindEnv("broker.type", "METRICSPOOLER_BROKER_TYPE")
	v.BindEnv("broker.redis.address", "METRICSPOOLER_REDIS_ADDRESS")
	v.BindEnv("broker.redis.password", "METRICSPOOLER_REDIS_PASSWORD")
	v.BindEnv("broker.channels.updates", "METRICSPOOLER_UPDATES_CHANNEL")
	v.BindEnv("broker.channels.control", "METRICSPOOLER_CONTROL_CHANNEL")
	v.BindEnv("broker.kafka.brokers", "METRICSPOOLER_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "METRICSPOOLER_KAFKA_GROUPID")

	// Cache
	v.BindEnv("cache.snapshotTTL", "METRICSPOOLER_SNAPSHOT_TTL")
	v.BindEnv("cache.opTimeout", "METRICSPOOLER_CACHE_OP_TIMEOUT")

	// WebSocket
	v.BindEnv("websocket.maxConnections", "METRICSPOOLER_MAX_CONNECTIONS")
	v.BindEnv("websocket.handshakeTimeout", "METRICSPOOLER_HANDSHAKE_TIMEOUT")
	v.BindEnv("websocket.pingInterval", "METRICSPOOLER_PING_INTERVAL")
	v.BindEnv("websocket.activityTimeout", "METRICSPOOLER_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "METRICSPOOLER_WRITE_TIMEOUT")

	// Rate limiting
	v.BindEnv("ratelimit.connectionsPerTenant", "METRICSPOOLER_RATELIMIT_CONNECTIONS")
	v.BindEnv("ratelimit.subscribesPerConnection", "METRICSPOOLER_RATELIMIT_SUBSCRIBES")
	v.BindEnv("ratelimit.failOpen", "METRICSPOOLER_RATELIMIT_FAIL_OPEN")

	// Logging
	v.BindEnv("log.level", "METRICSPOOLER_LOG_LEVEL")
}
