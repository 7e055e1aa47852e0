package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete agent configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	License LicenseConfig `yaml:"license" envconfig:"LICENSE"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	Paths   PathsConfig   `yaml:"paths" envconfig:"PATHS"`
}

// ServerConfig contains the local HTTP API configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LicenseConfig contains licensing behaviour configuration.
// Policy constants (grace window, trial length) are fixed in the license
// package; only operational knobs live here.
type LicenseConfig struct {
	CloudURL           string        `yaml:"cloud_url" envconfig:"CLOUD_URL" default:"https://licensing.orderpad.app/v1/validate"`
	CloudTimeout       time.Duration `yaml:"cloud_timeout" envconfig:"CLOUD_TIMEOUT" default:"5s"`
	CloudRetries       int           `yaml:"cloud_retries" envconfig:"CLOUD_RETRIES" default:"1"`
	StatusTTL          time.Duration `yaml:"status_ttl" envconfig:"STATUS_TTL" default:"30s"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval" envconfig:"REVALIDATE_INTERVAL" default:"6h"`
	SnapshotsKept      int           `yaml:"snapshots_kept" envconfig:"SNAPSHOTS_KEPT" default:"3"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/agent.log"`
}

// Load loads configuration from environment variables and the optional
// config file. Environment variables take precedence.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("ORDERPAD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.Paths.resolve(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.License.CloudURL == "" {
		envConfig.License.CloudURL = fileConfig.License.CloudURL
	}
	if envConfig.License.CloudTimeout == 0 {
		envConfig.License.CloudTimeout = fileConfig.License.CloudTimeout
	}
	if envConfig.License.StatusTTL == 0 {
		envConfig.License.StatusTTL = fileConfig.License.StatusTTL
	}
	if envConfig.Logging.Level == "" {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if envConfig.Paths.DataDir == "" {
		envConfig.Paths.DataDir = fileConfig.Paths.DataDir
	}

	return envConfig
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.License.CloudTimeout <= 0 {
		return fmt.Errorf("cloud timeout must be positive")
	}
	if c.License.CloudRetries < 0 || c.License.CloudRetries > 3 {
		return fmt.Errorf("cloud retries must be between 0 and 3")
	}
	if c.License.StatusTTL <= 0 {
		return fmt.Errorf("status TTL must be positive")
	}
	return nil
}

// getConfigFilePath returns the config file location next to the executable,
// overridable via ORDERPAD_CONFIG.
func getConfigFilePath() string {
	if path := os.Getenv("ORDERPAD_CONFIG"); path != "" {
		return path
	}
	return "orderpad.yaml"
}

// FileExists reports whether the named file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
