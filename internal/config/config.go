package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Data store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

const (
	encryptionKeyHexLength = 64
	minJWTSecretLength     = 32
)

// Config aggregates runtime configuration for passage.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	HTTPPort    int    `env:"PORT" envDefault:"8000"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`

	DataStore   string `env:"DATA_STORE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"passage.db"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`

	GoogleClientID     string   `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string   `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string   `env:"GOOGLE_REDIRECT_URI"`
	AllowedDomains     []string `env:"AUTH_ALLOWED_DOMAINS"`
	AllowedEmails      []string `env:"AUTH_ALLOWED_EMAILS"`

	EncryptionKey string `env:"ENCRYPTION_KEY"`
	JWTSecret     string `env:"JWT_SECRET"`

	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	OTelEnabled bool   `env:"OTEL_ENABLED" envDefault:"false"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"passage"`
}

// Load reads configuration from environment variables with defaults suited to
// local development. Secrets may also be supplied through KEY_FILE or a
// mounted /run/secrets file.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	secrets := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret},
		{"ENCRYPTION_KEY", &cfg.EncryptionKey},
		{"JWT_SECRET", &cfg.JWTSecret},
	}
	for _, s := range secrets {
		if *s.dst != "" {
			continue
		}
		value, err := getEnvOrFile(s.key, "/run/secrets/passage_"+strings.ToLower(s.key))
		if err != nil {
			return Config{}, err
		}
		*s.dst = value
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.DataStore = strings.ToLower(strings.TrimSpace(c.DataStore))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.EncryptionKey = strings.TrimSpace(c.EncryptionKey)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	c.AllowedOrigins = cleanList(c.AllowedOrigins)
	c.AllowedDomains = cleanList(c.AllowedDomains)
	c.AllowedEmails = cleanList(c.AllowedEmails)
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid port %d", c.HTTPPort)
	}

	switch c.DataStore {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATA_STORE is postgres but DATABASE_URL is not set")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("DATA_STORE is sqlite but SQLITE_PATH is not set")
		}
	default:
		return fmt.Errorf("unsupported DATA_STORE %q", c.DataStore)
	}

	if c.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY is required")
	}
	if _, err := hex.DecodeString(c.EncryptionKey); err != nil || len(c.EncryptionKey) != encryptionKeyHexLength {
		return fmt.Errorf("ENCRYPTION_KEY must be %d hex characters", encryptionKeyHexLength)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if c.ProviderTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be positive")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}

	if c.IsDevelopment() {
		return nil
	}
	if c.GoogleClientID == "" {
		return errors.New("GOOGLE_CLIENT_ID is required outside development")
	}
	if c.GoogleClientSecret == "" {
		return errors.New("GOOGLE_CLIENT_SECRET is required outside development")
	}
	if c.GoogleRedirectURL == "" {
		return errors.New("GOOGLE_REDIRECT_URI is required outside development")
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("ALLOWED_ORIGINS must define at least one origin outside development")
	}
	if slices.Contains(c.AllowedOrigins, "*") {
		return errors.New("ALLOWED_ORIGINS cannot contain * outside development")
	}
	return nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// IsDevelopment reports whether APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UseInMemoryStore returns true if the in-memory repository should be used.
func (c Config) UseInMemoryStore() bool {
	return c.DataStore == StoreMemory
}

// GoogleConfigured reports whether Google OAuth credentials are present.
func (c Config) GoogleConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
