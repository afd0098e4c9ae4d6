package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	// HTTP API settings
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// GitHub source configuration
	GitHub GitHubConfig `yaml:"github"`

	// Optional redis for cross-process rate-limit state
	Redis RedisConfig `yaml:"redis"`

	// Fetch retry behavior
	Fetch FetchConfig `yaml:"fetch"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Type        string `yaml:"type"` // "postgres", "sqlite"
	PostgresDSN string `yaml:"postgres_dsn"`
	LocalPath   string `yaml:"local_path"`
}

type GitHubConfig struct {
	Token        string `yaml:"token"`
	DefaultOwner string `yaml:"default_owner"`
	DefaultRepo  string `yaml:"default_repo"`
	RateLimit    int    `yaml:"rate_limit"` // requests per second
	PageSize     int    `yaml:"page_size"`  // commits per GraphQL page, max 100
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables redis
	Password string `yaml:"password"`
}

type FetchConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Addr: "0.0.0.0:8080",
		},
		Storage: StorageConfig{
			Type:      "sqlite",
			LocalPath: filepath.Join(homeDir, ".gitpulse", "local.db"),
		},
		GitHub: GitHubConfig{
			DefaultOwner: "OpenRA",
			DefaultRepo:  "OpenRA",
			RateLimit:    2,
			PageSize:     100,
		},
		Fetch: FetchConfig{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			MaxDelay:    5 * time.Minute,
			Jitter:      0.2,
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("server", cfg.Server)
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("github", cfg.GitHub)
	v.SetDefault("redis", cfg.Redis)
	v.SetDefault("fetch", cfg.Fetch)

	v.SetEnvPrefix("GITPULSE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".gitpulse")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".gitpulse"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Validate checks settings required at runtime.
func (c *Config) Validate() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("GITHUB_TOKEN is required for fetching repository data.\nCreate a token at: https://github.com/settings/tokens")
	}
	switch c.Storage.Type {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage type is postgres but no DSN is configured (set DATABASE_URL)")
		}
	case "sqlite":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("storage type is sqlite but no local path is configured")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

// loadEnvFiles loads .env files in order of precedence
func loadEnvFiles() {
	envFiles := []string{
		".env.local", // local overrides (highest precedence)
		".env",       // main environment file
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}

	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, ".gitpulse", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies well-known environment variables on top of the
// file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
	if owner := os.Getenv("DEFAULT_REPO_OWNER"); owner != "" {
		cfg.GitHub.DefaultOwner = owner
	}
	if name := os.Getenv("DEFAULT_REPO_NAME"); name != "" {
		cfg.GitHub.DefaultRepo = name
	}
	if rateLimit := os.Getenv("GITHUB_RATE_LIMIT"); rateLimit != "" {
		if rps, err := strconv.Atoi(rateLimit); err == nil {
			cfg.GitHub.RateLimit = rps
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.Type = "postgres"
		cfg.Storage.PostgresDSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
}
