// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreScylla    = "scylla"
	StoreMemory    = "memory"
	PresenceRedis  = "redis"
	PresenceMemory = "memory"

	TransportKafka = "kafka"
	TransportRedis = "redis"
	TransportLocal = "local"
)

type Config struct {
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	NodeID    int64  `env:"NODE_ID" envDefault:"1"`

	GatewayAddr string   `env:"GATEWAY_ADDR" envDefault:":8080"`
	APIAddr     string   `env:"API_ADDR" envDefault:":8081"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	StoreBackend    string `env:"STORE_BACKEND" envDefault:"scylla"`
	PresenceBackend string `env:"PRESENCE_BACKEND" envDefault:"redis"`
	EventTransport  string `env:"EVENT_TRANSPORT" envDefault:"kafka"`

	ScyllaHosts    []string      `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	ScyllaKeyspace string        `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
	ScyllaTimeout  time.Duration `env:"SCYLLA_TIMEOUT" envDefault:"5s"`

	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"teamchat"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat-events"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"messaging-service-group"`

	Auth AuthConfig
}

type AuthConfig struct {
	AccessSecret  string        `env:"JWT_ACCESS_TOKEN_SECRET" envDefault:"my_secret_key"`
	RefreshSecret string        `env:"JWT_REFRESH_TOKEN_SECRET" envDefault:"my_refresh_secret_key"`
	AccessTTL     time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
	CookieDomain  string        `env:"COOKIE_DOMAIN" envDefault:"localhost"`
}

// Load parses the environment and validates backend selections.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreScylla, StoreMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.PresenceBackend {
	case PresenceRedis, PresenceMemory:
	default:
		return fmt.Errorf("config: unknown PRESENCE_BACKEND %q", c.PresenceBackend)
	}
	switch c.EventTransport {
	case TransportKafka, TransportRedis, TransportLocal:
	default:
		return fmt.Errorf("config: unknown EVENT_TRANSPORT %q", c.EventTransport)
	}
	if c.Auth.AccessSecret == "" || c.Auth.RefreshSecret == "" {
		return fmt.Errorf("config: token secrets must not be empty")
	}
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("config: access and refresh secrets must differ")
	}
	return nil
}

// Production reports whether cookies should be marked secure.
func (c *Config) Production() bool {
	return c.Env == "production"
}
