package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)

	// Auth
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.userQueryParam", "userId")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.poolTimeout", 5)
	v.SetDefault("redis.keyPrefix", "")

	// Broker
	v.SetDefault("broker.type", "redis")
	v.SetDefault("broker.channel", "collab:broadcast")
	v.SetDefault("broker.kafka.groupID", "collab-coordinator")
	v.SetDefault("broker.nats.url", "nats://localhost:4222")

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 1<<20)
	v.SetDefault("websocket.sendQueueSize", 256)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 30)
	v.SetDefault("websocket.activityTimeout", 300)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.keepAlive", true)

	// Collaboration state
	v.SetDefault("collab.snapshotTTL", 3600)
	v.SetDefault("collab.chatTTL", 3600)
	v.SetDefault("collab.chatLimit", 100)
	v.SetDefault("collab.typingTTL", 10)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Tracing
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.serviceName", "collab-coordinator")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}
