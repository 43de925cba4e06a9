// Package config loads server configuration from the environment, an optional
// .env file, and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const devJWTSecret = "chatsphere-dev-secret"

// Config is the full server configuration.
type Config struct {
	Env        string           `env:"APP_ENV" yaml:"env"`
	NodeEnv    string           `env:"NODE_ENV" yaml:"-"`
	ConfigFile string           `env:"CONFIG_FILE" yaml:"-"`
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cloudinary CloudinaryConfig `yaml:"cloudinary"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Presence   PresenceConfig   `yaml:"presence"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `env:"HOST,default=0.0.0.0" yaml:"host"`
	Port            int           `env:"PORT,default=5000" yaml:"port"`
	ClientURL       string        `env:"CLIENT_URL,default=http://localhost:5173" yaml:"client_url"`
	StaticDir       string        `env:"STATIC_DIR" yaml:"static_dir"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=15s" yaml:"read_timeout"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s" yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret    string        `env:"JWT_SECRET" yaml:"jwt_secret"`
	JWTExpiresIn time.Duration `env:"JWT_EXPIRES_IN,default=168h" yaml:"jwt_expires_in"`
	Issuer       string        `env:"JWT_ISSUER,default=chatsphere" yaml:"issuer"`
}

type DatabaseConfig struct {
	URL         string `env:"DATABASE_URL" yaml:"url"`
	AutoMigrate bool   `env:"DATABASE_AUTO_MIGRATE,default=true" yaml:"auto_migrate"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL" yaml:"url"`
}

type CloudinaryConfig struct {
	CloudName string `env:"CLOUDINARY_CLOUD_NAME" yaml:"cloud_name"`
	APIKey    string `env:"CLOUDINARY_API_KEY" yaml:"api_key"`
	APISecret string `env:"CLOUDINARY_API_SECRET" yaml:"api_secret"`
	Folder    string `env:"CLOUDINARY_FOLDER,default=chatsphere/avatars" yaml:"folder"`
}

// Enabled reports whether image hosting credentials are present.
func (c CloudinaryConfig) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

type RateLimitConfig struct {
	RequestsPerSecond int `env:"RATE_LIMIT_RPS,default=20" yaml:"requests_per_second"`
	Burst             int `env:"RATE_LIMIT_BURST,default=40" yaml:"burst"`
}

type PresenceConfig struct {
	TTL time.Duration `env:"PRESENCE_TTL,default=2m" yaml:"ttl"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Format string `env:"LOG_FORMAT,default=text" yaml:"format"`
}

// Load reads .env (if present), decodes the environment and applies the
// CONFIG_FILE overlay.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Env == "" {
		c.Env = c.NodeEnv
	}
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Auth.JWTSecret == "" && c.IsDevelopment() {
		c.Auth.JWTSecret = devJWTSecret
	}
	if c.Auth.JWTExpiresIn <= 0 {
		c.Auth.JWTExpiresIn = 7 * 24 * time.Hour
	}
	if c.Presence.TTL <= 0 {
		c.Presence.TTL = 2 * time.Minute
	}
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in %s", c.Env)
	}
	if !c.IsDevelopment() && c.Auth.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in %s", c.Env)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	return nil
}

// IsDevelopment reports whether the server runs in a development or test environment.
func (c *Config) IsDevelopment() bool {
	switch c.Env {
	case "development", "dev", "test", "testing":
		return true
	}
	return false
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AllowedOrigins splits CLIENT_URL on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, part := range strings.Split(c.Server.ClientURL, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, strings.TrimRight(trimmed, "/"))
		}
	}
	return out
}
