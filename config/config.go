package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Collab    CollabConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

// AuthConfig controls how the opaque user id is attached to a connection.
// With auth disabled the id is taken verbatim from UserQueryParam, as set by
// the upstream gateway.
type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	UserQueryParam    string
	RevocationListKey string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
	KeyPrefix   string
}

type BrokerConfig struct {
	Type    string
	Channel string
	Kafka   KafkaConfig
	Nats    NatsConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type NatsConfig struct {
	URL      string
	User     string
	Password string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	SendQueueSize    int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

// CollabConfig holds the retention windows of the shared workspace state.
type CollabConfig struct {
	SnapshotTTL int // Seconds
	ChatTTL     int // Seconds
	ChatLimit   int
	TypingTTL   int // Seconds
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

type LogConfig struct {
	Level       string
	Development bool
}

// Load builds the configuration for env from config.{env}.yaml, COLLAB_*
// environment variables and defaults. A missing file is not an error.
func Load(env string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("COLLAB")

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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c CollabConfig) SnapshotRetention() time.Duration {
	return time.Duration(c.SnapshotTTL) * time.Second
}

func (c CollabConfig) ChatRetention() time.Duration {
	return time.Duration(c.ChatTTL) * time.Second
}

func (c CollabConfig) TypingRetention() time.Duration {
	return time.Duration(c.TypingTTL) * time.Second
}
