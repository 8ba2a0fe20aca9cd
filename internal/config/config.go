// Package config loads and validates startup configuration, per spec.md
// §6.4: "All are validated at start; invalid config prevents startup."
//
// Loading layers .env (github.com/joho/godotenv, as internal/config's
// original Load() allowed) under an optional YAML file
// (gopkg.in/yaml.v3) for the nested per-transport/concurrency/CORS settings
// that don't fit flat env vars, then validates the merged result with
// github.com/go-playground/validator/v10 struct tags, the same library
// internal/api/validation.go used for HTTP payload validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TransportConfig holds one transport's bind address, per spec.md §6.4.
type TransportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required"`
}

// ConcurrencyConfig mirrors spec.md §4.7's knobs.
type ConcurrencyConfig struct {
	Global            int            `yaml:"global" validate:"min=1"`
	PerConnectionWS   int            `yaml:"per_connection_ws" validate:"min=1"`
	PerConnectionHTTP int            `yaml:"per_connection_http" validate:"min=1"`
	DefaultPerTool    int            `yaml:"default_per_tool" validate:"min=1"`
	PerTool           map[string]int `yaml:"per_tool"`
	QueueDepth        int            `yaml:"queue_depth" validate:"min=0"`
}

// MiddlewareConfig controls which chain members are active and their order,
// per spec.md §4.4.
type MiddlewareConfig struct {
	Order          []string `yaml:"order"`
	AuthEnabled    bool     `yaml:"auth_enabled"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" validate:"min=0"`
	RateLimitBurst int      `yaml:"rate_limit_burst" validate:"min=0"`
}

// Config holds all configuration for the application, per spec.md §6.4.
type Config struct {
	HTTP TransportConfig `yaml:"http" validate:"required"`
	WS   TransportConfig `yaml:"ws"`
	SSE  TransportConfig `yaml:"sse"`

	RequestTimeoutDefault time.Duration `yaml:"request_timeout_default"`
	MaxRequestBytes       int64         `yaml:"max_request_bytes" validate:"min=1"`
	PingInterval          time.Duration `yaml:"ping_interval"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Middleware  MiddlewareConfig  `yaml:"middleware"`
	CORSOrigins []string          `yaml:"cors_origins"`

	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Auth & database, layered from environment per the teacher's config.go.
	AdminUsername   string `yaml:"-"`
	AdminPassword   string `yaml:"-"`
	JWTSecret       string `yaml:"-"`
	JWTExpiryHours  int    `yaml:"-"`
	AuditDatabaseURL string `yaml:"-"`
	SlackWebhookURL string `yaml:"-"`
}

var validate = validator.New()

// Load reads configuration from an optional YAML file overlaid with
// environment variables (env wins), validates the result, and returns a
// collected list of field errors rather than panicking on invalid input.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	cfg := defaultConfig()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		HTTP: TransportConfig{Enabled: true, Addr: ":8080"},
		WS:   TransportConfig{Enabled: true, Addr: ":8080"},
		SSE:  TransportConfig{Enabled: true, Addr: ":8080"},

		RequestTimeoutDefault: 30 * time.Second,
		MaxRequestBytes:       1 << 20,
		PingInterval:          30 * time.Second,

		Concurrency: ConcurrencyConfig{
			Global:            200,
			PerConnectionWS:   32,
			PerConnectionHTTP: 1,
			DefaultPerTool:    32,
			PerTool:           map[string]int{},
			QueueDepth:        256,
		},
		Middleware: MiddlewareConfig{
			Order:          []string{"logging", "validation", "ratelimit", "auth", "metrics"},
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		LogLevel:       "info",
		JWTExpiryHours: 24,
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.AdminUsername = getEnvOrDefault("ADMIN_USERNAME", "admin")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.JWTExpiryHours = getEnvAsIntOrDefault("JWT_EXPIRY_HOURS", cfg.JWTExpiryHours)
	cfg.JWTSecret = loadOrGenerateJWTSecret(getEnvOrDefault("JWT_SECRET_PATH", ".mcp_jwt_secret"))
	cfg.AuditDatabaseURL = os.Getenv("AUDIT_DATABASE_URL")
	cfg.SlackWebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
}

// loadOrGenerateJWTSecret loads the JWT secret from file or generates and
// persists a new one, ported from internal/config/config.go's
// loadOrGenerateJWTSecret/generateSecureSecret.
func loadOrGenerateJWTSecret(secretPath string) string {
	if envSecret := os.Getenv("JWT_SECRET"); envSecret != "" {
		return envSecret
	}
	if data, err := os.ReadFile(secretPath); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := generateSecureSecret(32)
	if err := os.MkdirAll(filepath.Dir(secretPath), 0755); err == nil {
		if err := os.WriteFile(secretPath, []byte(secret), 0600); err != nil {
			log.Printf("warning: could not persist JWT secret to %s: %v", secretPath, err)
		}
	}
	return secret
}

func generateSecureSecret(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		log.Printf("warning: could not generate secure random bytes: %v", err)
		return "fallback-insecure-secret-please-set-jwt-secret-env"
	}
	return hex.EncodeToString(b)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
