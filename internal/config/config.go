// Package config loads server configuration from LICENSE_* environment
// variables, optionally overlaid by a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "LICENSE"

	DriverBBolt    = "bbolt"
	DriverPostgres = "postgres"
)

// Config represents the complete server configuration
type Config struct {
	HTTP        HTTPConfig      `yaml:"http" envconfig:"HTTP"`
	AdminSecret string          `yaml:"admin_secret" envconfig:"ADMIN_SECRET"`
	MaxNonceAge time.Duration   `yaml:"max_nonce_age" envconfig:"MAX_NONCE_AGE" default:"24h"`
	Store       StoreConfig     `yaml:"store" envconfig:"STORE"`
	Bot         BotConfig       `yaml:"bot" envconfig:"BOT"`
	Logging     LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr" envconfig:"ADDR" default:":8080"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" envconfig:"READ_HEADER_TIMEOUT" default:"10s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	AllowedOrigins    []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES" default:"65536"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy        bool          `yaml:"trust_proxy" envconfig:"TRUST_PROXY" default:"false"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER" default:"bbolt"`
	Path        string `yaml:"path" envconfig:"FILE" default:"./data/licenses.db"`
	PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
}

// BotConfig enables the Telegram admin bot when Token is set.
type BotConfig struct {
	Token       string `yaml:"token" envconfig:"TOKEN"`
	AdminChatID int64  `yaml:"admin_chat_id" envconfig:"ADMIN_CHAT_ID"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensed.log"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"100"`
}

// Load reads the environment, then the YAML file named by LICENSE_CONFIG_FILE
// if any. Values present in the file win over the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path := os.Getenv(envPrefix + "_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Store.Driver) {
	case DriverBBolt:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store path is required for bbolt"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if c.MaxNonceAge <= 0 {
		errs = append(errs, errors.New("max nonce age must be positive"))
	}
	if c.Bot.Token != "" {
		if c.Bot.AdminChatID == 0 {
			errs = append(errs, errors.New("bot admin chat id is required when the bot is enabled"))
		}
		if c.AdminSecret == "" {
			errs = append(errs, errors.New("admin secret is required when the bot is enabled"))
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate limit rps and burst must be positive"))
	}
	return errors.Join(errs...)
}
