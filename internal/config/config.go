// Package config provides configuration management for cohive.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Defaults.
const (
	DefaultPort            = 3000
	DefaultDatabaseURL     = "postgres://localhost:5432/cohive?sslmode=disable"
	DefaultMaxConns        = 10
	DefaultTokenTTL        = 24 * time.Hour
	DefaultGeminiModel     = "gemini-2.0-flash"
	DefaultAITimeout       = 60 * time.Second
	DefaultMaxPromptTokens = 8000
	DefaultInstallCommand  = "npm install"
	DefaultQueueSize       = 256
)

const (
	dataDirName      = ".cohive"
	settingsFileName = "settings.json"
)

// Config holds the server settings. The JSON keys in settings.json are the
// same names as the environment variables that override them.
type Config struct {
	Port           int      `json:"COHIVE_PORT"`
	DatabaseURL    string   `json:"COHIVE_DATABASE_URL"`
	MaxConns       int      `json:"COHIVE_DB_MAX_CONNS"`
	RedisURL       string   `json:"COHIVE_REDIS_URL"`
	JWTSecret      string   `json:"COHIVE_JWT_SECRET"`
	TokenTTLSecs   int      `json:"COHIVE_TOKEN_TTL_SECONDS"`
	AllowedOrigins []string `json:"COHIVE_ALLOWED_ORIGINS"`

	GeminiAPIKey    string `json:"COHIVE_GEMINI_API_KEY"`
	GeminiModel     string `json:"COHIVE_GEMINI_MODEL"`
	GeminiEndpoint  string `json:"COHIVE_GEMINI_ENDPOINT"`
	AITimeoutSecs   int    `json:"COHIVE_AI_TIMEOUT_SECONDS"`
	MaxPromptTokens int    `json:"COHIVE_MAX_PROMPT_TOKENS"`

	WorkspaceDir   string `json:"COHIVE_WORKSPACE_DIR"`
	InstallCommand string `json:"COHIVE_INSTALL_COMMAND"`
	QueueSize      int    `json:"COHIVE_QUEUE_SIZE"`
	// DisableExec stops the server from running room commands on the host.
	DisableExec bool `json:"COHIVE_DISABLE_EXEC"`
}

// TokenTTL returns the lifetime of issued tokens.
func (c *Config) TokenTTL() time.Duration {
	if c.TokenTTLSecs <= 0 {
		return DefaultTokenTTL
	}
	return time.Duration(c.TokenTTLSecs) * time.Second
}

// AITimeout returns the limit of a single generation.
func (c *Config) AITimeout() time.Duration {
	if c.AITimeoutSecs <= 0 {
		return DefaultAITimeout
	}
	return time.Duration(c.AITimeoutSecs) * time.Second
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:            DefaultPort,
		DatabaseURL:     DefaultDatabaseURL,
		MaxConns:        DefaultMaxConns,
		TokenTTLSecs:    int(DefaultTokenTTL / time.Second),
		GeminiModel:     DefaultGeminiModel,
		AITimeoutSecs:   int(DefaultAITimeout / time.Second),
		MaxPromptTokens: DefaultMaxPromptTokens,
		WorkspaceDir:    filepath.Join(DataDir(), "projects"),
		InstallCommand:  DefaultInstallCommand,
		QueueSize:       DefaultQueueSize,
	}
}

var (
	global     *Config
	globalOnce sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// DataDir returns the cohive data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// SettingsPath returns the path of settings.json.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFileName)
}

// EnsureDataDir creates the data directory.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o750)
}

// EnsureSettings writes a default settings file with a fresh JWT secret if
// none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(map[string]any{
		"COHIVE_PORT":       DefaultPort,
		"COHIVE_JWT_SECRET": secret,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureAll creates the data directory and the settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := EnsureSettings(); err != nil {
		return fmt.Errorf("create settings: %w", err)
	}
	return nil
}

// Load reads settings.json and applies environment overrides. A missing or
// unreadable settings file leaves the defaults in place.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		var fromFile Config
		if err := json.Unmarshal(data, &fromFile); err == nil {
			cfg.merge(&fromFile)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// merge copies every non-zero field of other into c.
func (c *Config) merge(other *Config) {
	setInt(&c.Port, other.Port)
	setString(&c.DatabaseURL, other.DatabaseURL)
	setInt(&c.MaxConns, other.MaxConns)
	setString(&c.RedisURL, other.RedisURL)
	setString(&c.JWTSecret, other.JWTSecret)
	setInt(&c.TokenTTLSecs, other.TokenTTLSecs)
	if len(other.AllowedOrigins) > 0 {
		c.AllowedOrigins = other.AllowedOrigins
	}
	setString(&c.GeminiAPIKey, other.GeminiAPIKey)
	setString(&c.GeminiModel, other.GeminiModel)
	setString(&c.GeminiEndpoint, other.GeminiEndpoint)
	setInt(&c.AITimeoutSecs, other.AITimeoutSecs)
	setInt(&c.MaxPromptTokens, other.MaxPromptTokens)
	setString(&c.WorkspaceDir, other.WorkspaceDir)
	setString(&c.InstallCommand, other.InstallCommand)
	setInt(&c.QueueSize, other.QueueSize)
	if other.DisableExec {
		c.DisableExec = true
	}
}

func (c *Config) applyEnv() {
	envInt(&c.Port, "COHIVE_PORT")
	envString(&c.DatabaseURL, "COHIVE_DATABASE_URL")
	envInt(&c.MaxConns, "COHIVE_DB_MAX_CONNS")
	envString(&c.RedisURL, "COHIVE_REDIS_URL")
	envString(&c.JWTSecret, "COHIVE_JWT_SECRET")
	envInt(&c.TokenTTLSecs, "COHIVE_TOKEN_TTL_SECONDS")
	if v := os.Getenv("COHIVE_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitTrim(v)
	}
	envString(&c.GeminiAPIKey, "GOOGLE_AI_KEY")
	envString(&c.GeminiAPIKey, "COHIVE_GEMINI_API_KEY")
	envString(&c.GeminiModel, "COHIVE_GEMINI_MODEL")
	envString(&c.GeminiEndpoint, "COHIVE_GEMINI_ENDPOINT")
	envInt(&c.AITimeoutSecs, "COHIVE_AI_TIMEOUT_SECONDS")
	envInt(&c.MaxPromptTokens, "COHIVE_MAX_PROMPT_TOKENS")
	envString(&c.WorkspaceDir, "COHIVE_WORKSPACE_DIR")
	envString(&c.InstallCommand, "COHIVE_INSTALL_COMMAND")
	envInt(&c.QueueSize, "COHIVE_QUEUE_SIZE")
	envBool(&c.DisableExec, "COHIVE_DISABLE_EXEC")
}

// GetPort returns the HTTP port, preferring a valid COHIVE_PORT.
func GetPort() int {
	if v := os.Getenv("COHIVE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().Port
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// splitTrim splits a comma separated list and drops empty items.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
