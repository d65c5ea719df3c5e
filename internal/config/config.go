package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageBadger   = "badger"

	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort   string `env:"HTTP_PORT" envDefault:"8080"`
	InstanceID string `env:"INSTANCE_ID"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`
	BadgerPath    string `env:"BADGER_PATH" envDefault:"./data/badger"`

	BusDriver       string `env:"BUS_DRIVER" envDefault:"memory"`
	BusStreamMaxLen int64  `env:"BUS_STREAM_MAXLEN" envDefault:"100000"`
	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret     string `env:"JWT_SECRET,required"`
	JWTTTLMinutes int    `env:"JWT_TTL_MINUTES" envDefault:"60"`
	// ProducerKeys mapea producer id -> hash bcrypt de su clave.
	ProducerKeys map[string]string `env:"PRODUCER_KEYS" envSeparator:"," envKeyValSeparator:"="`

	SendBuffer       int           `env:"SEND_BUFFER" envDefault:"64"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"25s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	AllowedOrigins   []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	TypingTimeout time.Duration `env:"TYPING_TIMEOUT" envDefault:"5s"`
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" envDefault:"2m"`

	ReplayLimit       int           `env:"REPLAY_LIMIT" envDefault:"200"`
	MessageRateLimit  int           `env:"MESSAGE_RATE_LIMIT" envDefault:"30"`
	MessageRateWindow time.Duration `env:"MESSAGE_RATE_WINDOW" envDefault:"10s"`

	NotifyTopics   []string `env:"NOTIFY_TOPICS" envSeparator:"," envDefault:"bid.*,agreement.*"`
	PushWebhookURL string   `env:"PUSH_WEBHOOK_URL"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate revisa las combinaciones que env no puede expresar con tags.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageMemory, StorageBadger:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", StoragePostgres)
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.BusDriver {
	case BusMemory:
	case BusRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when BUS_DRIVER=%s", BusRedis)
		}
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", c.BusDriver)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive")
	}
	if c.PingInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("PING_INTERVAL must be shorter than HEARTBEAT_TIMEOUT")
	}
	return nil
}
