package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "POS"

type Config struct {
	Port          string `envconfig:"PORT" default:"8090"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	RemoteBaseURL string        `envconfig:"REMOTE_BASE_URL"`
	RemoteToken   string        `envconfig:"REMOTE_TOKEN"`
	ReadTimeout   time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`

	StoreID    string `envconfig:"STORE_ID"`
	TerminalID string `envconfig:"TERMINAL_ID" default:"till-1"`
	AdminRole  string `envconfig:"ADMIN_ROLE" default:"admin"`
	Timezone   string `envconfig:"TIMEZONE" default:"Local"`

	QueueDriver string `envconfig:"QUEUE_DRIVER" default:"sqlite"`
	QueueDSN    string `envconfig:"QUEUE_DSN"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"24h"`

	AuthSecret string `envconfig:"AUTH_SECRET"`
	ManagerPIN string `envconfig:"MANAGER_PIN"`

	CatalogRefresh time.Duration `envconfig:"CATALOG_REFRESH" default:"30s"`
	SyncInterval   time.Duration `envconfig:"SYNC_INTERVAL" default:"20s"`
	ProbeInterval  time.Duration `envconfig:"PROBE_INTERVAL" default:"10s"`

	ScanGap         time.Duration `envconfig:"SCAN_GAP" default:"50ms"`
	ScanSettle      time.Duration `envconfig:"SCAN_SETTLE" default:"100ms"`
	TypingSettle    time.Duration `envconfig:"TYPING_SETTLE" default:"300ms"`
	DuplicateWindow time.Duration `envconfig:"DUPLICATE_WINDOW" default:"1s"`
}

// Load reads an optional .env file and then the POS_* environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.StoreID = strings.TrimSpace(cfg.StoreID)
	cfg.RemoteBaseURL = strings.TrimRight(strings.TrimSpace(cfg.RemoteBaseURL), "/")
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves Timezone; "today" for the shift guard is evaluated there.
func (c Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Timezone) {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Timezone)
	}
}
