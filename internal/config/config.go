package config

import (
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Bridge   Bridge   `yaml:"bridge"`
	Upstream Upstream `yaml:"upstream"`
	Socket   Socket   `yaml:"socket"`
	Sync     Sync     `yaml:"sync"`
	Auth     Auth     `yaml:"auth"`
}

// Bridge holds the local HTTP bridge configuration
type Bridge struct {
	Host         string        `yaml:"host" env:"BRIDGE_HOST" env-default:"127.0.0.1"`
	Port         string        `yaml:"port" env:"BRIDGE_PORT" env-default:"7080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"BRIDGE_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"BRIDGE_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"BRIDGE_IDLE_TIMEOUT" env-default:"60s"`
}

// Address returns the full bridge address
func (b Bridge) Address() string {
	return b.Host + ":" + b.Port
}

// Upstream holds the REST API configuration
type Upstream struct {
	BaseURL string        `yaml:"base_url" env:"UPSTREAM_BASE_URL" env-default:"http://localhost:5000"`
	Timeout time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT" env-default:"30s"`
}

// Socket holds the push channel configuration
type Socket struct {
	URL          string        `yaml:"url" env:"SOCKET_URL" env-default:"http://localhost:5000"`
	PingInterval time.Duration `yaml:"ping_interval" env:"SOCKET_PING_INTERVAL" env-default:"30s"`
	ReconnectMin time.Duration `yaml:"reconnect_min" env:"SOCKET_RECONNECT_MIN" env-default:"1s"`
	ReconnectMax time.Duration `yaml:"reconnect_max" env:"SOCKET_RECONNECT_MAX" env-default:"30s"`
}

// Sync holds the synchronization tunables
type Sync struct {
	PageSize    int           `yaml:"page_size" env:"SYNC_PAGE_SIZE" env-default:"20"`
	TypingQuiet time.Duration `yaml:"typing_quiet" env:"SYNC_TYPING_QUIET" env-default:"1s"`
}

// Auth holds the session credentials
type Auth struct {
	Token string `yaml:"token" env:"AUTH_TOKEN" env-required:"true"`
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
