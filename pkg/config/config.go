package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Completion   CompletionConfig   `mapstructure:"completion"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Log          LogConfig          `mapstructure:"log"`
}

type CompletionConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"`
	Path        string `mapstructure:"path"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OrchestratorConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ConfigurationError reports required startup configuration that is missing
// or invalid.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// apiKeyEnv maps a completion provider to the environment variable holding its key.
var apiKeyEnv = map[string]string{
	"mistral": "MISTRAL_API_KEY",
	"openai":  "OPENAI_API_KEY",
	"gemini":  "GEMINI_API_KEY",
}

// APIKeyEnv returns the environment variable consulted for provider's key.
func APIKeyEnv(provider string) string {
	return apiKeyEnv[provider]
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

// LoadConfig reads path if it exists, then applies defaults and environment
// overrides. An empty path or a missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("completion.provider", "mistral")
	v.SetDefault("completion.model", "mistral-large-latest")
	v.SetDefault("completion.max_tokens", 0)
	v.SetDefault("completion.temperature", 0.7)
	v.SetDefault("completion.timeout", 2*time.Minute)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "chat_dataset.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("orchestrator.max_concurrent", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if env := APIKeyEnv(config.Completion.Provider); env != "" {
		if apiKey := v.GetString(env); apiKey != "" {
			config.Completion.APIKey = apiKey
		}
	}

	return &config, nil
}

// Validate checks settings every front end needs. A missing completion key
// is reported separately by the completion package so it can be surfaced
// per request instead of aborting startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		if !c.Database.UseInMemory {
			return &ConfigurationError{Key: "database.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Database.Driver)}
		}
	}

	if c.Database.Driver == "sqlite3" && c.Database.Path == "" && !c.Database.UseInMemory {
		return &ConfigurationError{Key: "database.path", Reason: "is required for sqlite3"}
	}

	if c.Orchestrator.MaxConcurrent < 0 {
		return &ConfigurationError{Key: "orchestrator.max_concurrent", Reason: "must not be negative"}
	}

	return nil
}
