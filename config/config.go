package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	EventsBackendNone     = "none"
	EventsBackendRabbitMQ = "rabbitmq"
	EventsBackendPubSub   = "pubsub"
)

// DevJWTSecret signs tokens when JWT_SECRET is unset in development.
// It is public and must never reach a deployed environment.
const DevJWTSecret = "washline-insecure-development-secret"

type Config struct {
	Env        string `env:"APP_ENV" envDefault:"production"`
	ServerPort int    `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret  string `env:"JWT_SECRET"`
	TrustProxy bool   `env:"TRUST_PROXY" envDefault:"false"`

	Database DatabaseConfig `envPrefix:"DB_"`
	Events   EventsConfig   `envPrefix:"EVENTS_"`
	RabbitMQ RabbitMQConfig `envPrefix:"RABBITMQ_"`
	PubSub   PubSubConfig   `envPrefix:"PUBSUB_"`
}

type DatabaseConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"washline"`
	Password string `env:"PASSWORD" envDefault:"password"`
	DBName   string `env:"NAME" envDefault:"washline_db"`
	UseSSL   bool   `env:"SSL" envDefault:"false"`
}

// EventsConfig selects where security events are published.
type EventsConfig struct {
	Backend string `env:"BACKEND" envDefault:"none"`
	Channel string `env:"CHANNEL" envDefault:"washline.security"`
}

type RabbitMQConfig struct {
	URL             string `env:"URL"`
	QueueDurable    bool   `env:"QUEUE_DURABLE" envDefault:"true"`
	QueueAutoDelete bool   `env:"QUEUE_AUTO_DELETE" envDefault:"false"`
	PrefetchCount   int    `env:"PREFETCH_COUNT" envDefault:"10"`
}

type PubSubConfig struct {
	ProjectID          string `env:"PROJECT_ID"`
	CredentialsFile    string `env:"CREDENTIALS_FILE"`
	SubscriptionSuffix string `env:"SUBSCRIPTION_SUFFIX" envDefault:"-sub"`
}

// LoadConfig reads configuration from the environment. Unless APP_ENV is
// production, a .env file in the working directory is loaded first if
// present. An unset APP_ENV means production.
func LoadConfig() (Config, error) {
	if strings.ToLower(os.Getenv("APP_ENV")) != EnvProduction {
		if err := godotenv.Load(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) {
				return Config{}, fmt.Errorf("load .env file: %w", err)
			}
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.Events.Backend = strings.ToLower(strings.TrimSpace(cfg.Events.Backend))
	return cfg, nil
}

// IsDevelopment reports whether the process runs on a developer machine.
func (c Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment || c.Env == "dev"
}

// SigningSecret returns the token signing secret and whether the insecure
// development fallback is in use.
func (c Config) SigningSecret() (string, bool) {
	if c.JWTSecret != "" {
		return c.JWTSecret, false
	}
	return DevJWTSecret, true
}

// Validate rejects configurations the server must not boot with.
func (c Config) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.ServerPort)
	}
	if !c.IsDevelopment() {
		if c.JWTSecret == "" {
			return errors.New("JWT_SECRET is required outside development")
		}
		if c.JWTSecret == DevJWTSecret {
			return errors.New("JWT_SECRET must not be the development fallback")
		}
	}
	switch c.Events.Backend {
	case "", EventsBackendNone:
	case EventsBackendRabbitMQ:
		if c.RabbitMQ.URL == "" {
			return errors.New("RABBITMQ_URL is required for the rabbitmq events backend")
		}
	case EventsBackendPubSub:
		if c.PubSub.ProjectID == "" {
			return errors.New("PUBSUB_PROJECT_ID is required for the pubsub events backend")
		}
	default:
		return fmt.Errorf("unknown EVENTS_BACKEND %q", c.Events.Backend)
	}
	return nil
}
