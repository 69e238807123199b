package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.shutdownTimeout", 20)
	v.SetDefault("server.emitToken", "")

	// Auth
	v.SetDefault("auth.enabled", false) // Default to off for local development
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.tenantClaim", "tenant_id")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Broker
	v.SetDefault("broker.type", "redis")
	v.SetDefault("broker.channels.updates", "metrics.updates")
	v.SetDefault("broker.channels.control", "metrics.control")
	v.SetDefault("broker.redis.address", "localhost:6379")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.poolSize", 100)
	v.SetDefault("broker.redis.poolTimeout", 5)
	v.SetDefault("broker.kafka.groupID", "metrics-pooler")

	// Cache
	v.SetDefault("cache.namespace", "metrics")
	v.SetDefault("cache.snapshotTTL", 3600)
	v.SetDefault("cache.opTimeout", 500)
	v.SetDefault("cache.breakerMaxFailures", 5)
	v.SetDefault("cache.breakerOpenTimeout", 10)
	v.SetDefault("cache.presenceKeyPrefix", "presence")
	v.SetDefault("cache.presenceTTL", 90)

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 4096)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 30)
	v.SetDefault("websocket.activityTimeout", 60)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.sendBuffer", 256)
	v.SetDefault("websocket.keepAlive", true)
	v.SetDefault("websocket.allowedOrigins", []string{})

	// Rate limiting
	v.SetDefault("ratelimit.connectionsPerTenant", 100)
	v.SetDefault("ratelimit.connectionWindow", 60)
	v.SetDefault("ratelimit.subscribesPerConnection", 30)
	v.SetDefault("ratelimit.subscribeWindow", 60)
	v.SetDefault("ratelimit.maxViolations", 3)
	v.SetDefault("ratelimit.failOpen", false)

	// Subscriptions
	v.SetDefault("subscription.maxPerConnection", 50)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Logging
	v.SetDefault("log.level", "info")
}
