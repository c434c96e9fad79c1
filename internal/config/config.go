package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	AWS       AWSConfig       `yaml:"aws"`
	JWT       JWTConfig       `yaml:"jwt"`
	Media     MediaConfig     `yaml:"media"`
	APNS      APNSConfig      `yaml:"apns"`
	Log       LogConfig       `yaml:"log"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// StoreConfig selects the document store backend: "postgres" or "memory"
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// AWSConfig holds AWS configuration
type AWSConfig struct {
	Region    string `yaml:"region"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// MediaConfig selects where images are kept: "disk" or "s3"
type MediaConfig struct {
	Driver  string `yaml:"driver"`
	Dir     string `yaml:"dir"`
	Quality int    `yaml:"quality"`
}

// APNSConfig holds push notification configuration. Without a key or
// certificate notifications are only logged.
type APNSConfig struct {
	Topic           string `yaml:"topic"`
	Production      bool   `yaml:"production"`
	KeyPath         string `yaml:"key_path"`
	KeyID           string `yaml:"key_id"`
	TeamID          string `yaml:"team_id"`
	CertificatePath string `yaml:"certificate_path"`
	CertificatePass string `yaml:"certificate_pass"`
}

// Enabled reports whether APNs credentials are configured
func (c *APNSConfig) Enabled() bool {
	return c.KeyPath != "" || c.CertificatePath != ""
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// WebSocketConfig holds WebSocket keepalive settings
type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

// Load reads configuration from a YAML file, applies defaults and
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.JWT.TokenTTL == 0 {
		c.JWT.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Media.Driver == "" {
		c.Media.Driver = "disk"
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "media"
	}
	if c.Media.Quality == 0 {
		c.Media.Quality = 80
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 30 * time.Second
	}
	if c.WebSocket.PongTimeout == 0 {
		c.WebSocket.PongTimeout = 60 * time.Second
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TMY_DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("TMY_JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("TMY_AWS_SECRET_KEY"); v != "" {
		c.AWS.SecretKey = v
	}
}

// Validate reports configuration that cannot start a server
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Media.Driver {
	case "disk":
	case "s3":
		if c.AWS.S3Bucket == "" {
			errs = append(errs, errors.New("aws.s3_bucket is required for the s3 media driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown media driver %q", c.Media.Driver))
	}

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.Media.Quality < 1 || c.Media.Quality > 100 {
		errs = append(errs, fmt.Errorf("media.quality must be between 1 and 100, got %d", c.Media.Quality))
	}
	if c.WebSocket.PongTimeout <= c.WebSocket.PingInterval {
		errs = append(errs, errors.New("websocket.pong_timeout must be longer than websocket.ping_interval"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
