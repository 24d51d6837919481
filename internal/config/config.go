package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds relay server configuration
type Config struct {
	// MariaDB接続設定
	DBHost     string `env:"DB_HOST"`
	DBPort     string `env:"DB_PORT" envDefault:"3306"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`

	// サーバー設定
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	Env        string `env:"ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS設定
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://127.0.0.1:3000"`

	// Fan-out between relay instances: memory, redis or nats
	BrokerDriver string `env:"BROKER_DRIVER" envDefault:"memory"`
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL      string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
}

// ClientConfig holds chat client configuration
type ClientConfig struct {
	BaseURL  string `env:"RIDECHAT_BASE_URL" envDefault:"http://localhost:8080"`
	Token    string `env:"RIDECHAT_TOKEN"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	AckTimeout      time.Duration `env:"RIDECHAT_ACK_TIMEOUT" envDefault:"10s"`
	HistoryTimeout  time.Duration `env:"RIDECHAT_HISTORY_TIMEOUT" envDefault:"20s"`
	PingInterval    time.Duration `env:"RIDECHAT_PING_INTERVAL" envDefault:"10s"`
	PongWait        time.Duration `env:"RIDECHAT_PONG_WAIT" envDefault:"15s"`
	ReconnectMin    time.Duration `env:"RIDECHAT_RECONNECT_MIN" envDefault:"500ms"`
	ReconnectMax    time.Duration `env:"RIDECHAT_RECONNECT_MAX" envDefault:"30s"`
	ReconnectJitter float64       `env:"RIDECHAT_RECONNECT_JITTER" envDefault:"0.2"`
}

// Load loads relay configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	switch cfg.BrokerDriver {
	case "memory", "redis", "nats":
	default:
		return Config{}, fmt.Errorf("unsupported BROKER_DRIVER %q", cfg.BrokerDriver)
	}

	return cfg, nil
}

// LoadClient loads chat client configuration from environment variables
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse env config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return ClientConfig{}, fmt.Errorf("RIDECHAT_BASE_URL is required")
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return ClientConfig{}, fmt.Errorf("invalid reconnect window %s..%s", cfg.ReconnectMin, cfg.ReconnectMax)
	}

	return cfg, nil
}

// DatabaseEnabled reports whether MySQL persistence is configured.
func (c Config) DatabaseEnabled() bool {
	return c.DBHost != "" && c.DBName != ""
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return ":" + c.ServerPort
}
