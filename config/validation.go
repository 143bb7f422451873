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
	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	} else if c.Auth.UserQueryParam == "" {
		return errors.New("auth.userQueryParam must be configured when auth is disabled")
	}

	if c.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}

	// Validate broker configuration
	if c.Broker.Channel == "" {
		return errors.New("broker channel must be configured")
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
	case "nats":
		if c.Broker.Nats.URL == "" {
			return errors.New("nats url must be specified for nats broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis', 'kafka' or 'nats'", c.Broker.Type)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.SendQueueSize < 1 {
		return errors.New("send queue size must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	if c.Collab.SnapshotTTL < 1 || c.Collab.ChatTTL < 1 || c.Collab.TypingTTL < 1 {
		return errors.New("collab retention windows must be at least 1 second")
	}

	if c.Collab.ChatLimit < 1 {
		return errors.New("chat limit must be positive")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "COLLAB_PORT")

	// Auth
	v.BindEnv("auth.enabled", "COLLAB_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "COLLAB_AUTH_JWT_SECRET")
	v.BindEnv("auth.tokenQueryParam", "COLLAB_AUTH_TOKEN_PARAM")
	v.BindEnv("auth.userQueryParam", "COLLAB_AUTH_USER_PARAM")
	v.BindEnv("auth.revocationListKey", "COLLAB_AUTH_REVOCATION_KEY")

	// Redis
	v.BindEnv("redis.address", "COLLAB_REDIS_ADDRESS")
	v.BindEnv("redis.password", "COLLAB_REDIS_PASSWORD")
	v.BindEnv("redis.keyPrefix", "COLLAB_REDIS_KEY_PREFIX")

	// Broker
	v.BindEnv("broker.type", "COLLAB_BROKER_TYPE")
	v.BindEnv("broker.channel", "COLLAB_BROKER_CHANNEL")
	v.BindEnv("broker.kafka.brokers", "COLLAB_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "COLLAB_KAFKA_GROUPID")
	v.BindEnv("broker.nats.url", "COLLAB_NATS_URL")
	v.BindEnv("broker.nats.user", "COLLAB_NATS_USER")
	v.BindEnv("broker.nats.password", "COLLAB_NATS_PASSWORD")

	// WebSocket
	v.BindEnv("websocket.maxConnections", "COLLAB_MAX_CONNECTIONS")
	v.BindEnv("websocket.handshakeTimeout", "COLLAB_HANDSHAKE_TIMEOUT")
	v.BindEnv("websocket.pingInterval", "COLLAB_PING_INTERVAL")
	v.BindEnv("websocket.pongTimeout", "COLLAB_PONG_TIMEOUT")
	v.BindEnv("websocket.activityTimeout", "COLLAB_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "COLLAB_WRITE_TIMEOUT")

	// Metrics
	v.BindEnv("metrics.enabled", "COLLAB_METRICS_ENABLED")
	v.BindEnv("metrics.port", "COLLAB_METRICS_PORT")

	// Tracing and logging
	v.BindEnv("tracing.enabled", "COLLAB_TRACING_ENABLED")
	v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("tracing.serviceName", "OTEL_SERVICE_NAME")
	v.BindEnv("log.level", "COLLAB_LOG_LEVEL")
}
