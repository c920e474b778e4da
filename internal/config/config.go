package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	ConfigDirName  = ".fewshot"
	ConfigFileName = "config.json"
	CacheFileName  = "embeddings.db"

	DefaultServiceURL   = "http://localhost:8765"
	DefaultBatchSize    = 32
	DefaultMaxResident  = 1
	DefaultConcurrency  = 1
	envHome             = "FEWSHOT_HOME"
	envServiceURL       = "FEWSHOT_SERVICE_URL"
	envBatchSize        = "FEWSHOT_BATCH_SIZE"
	envCachePath        = "FEWSHOT_CACHE_PATH"
	envMaxResidentModel = "FEWSHOT_MAX_RESIDENT"
)

// Config represents the application configuration
type Config struct {
	// ServiceURL is the inference service that hosts the neural backbones.
	ServiceURL string `json:"service_url"`
	// BatchSize is the number of images sent per embedding call.
	BatchSize int `json:"batch_size"`
	// CachePath is the SQLite embedding cache. Empty disables persistence.
	CachePath string `json:"cache_path"`
	// MaxResident bounds how many backbones stay loaded at once.
	MaxResident int `json:"max_resident_backbones"`
	// Concurrency bounds how many threshold cells are classified in parallel.
	Concurrency int `json:"concurrency"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cachePath := ""
	if dir, err := GetConfigDir(); err == nil {
		cachePath = filepath.Join(dir, CacheFileName)
	}
	return &Config{
		ServiceURL:  DefaultServiceURL,
		BatchSize:   DefaultBatchSize,
		CachePath:   cachePath,
		MaxResident: DefaultMaxResident,
		Concurrency: DefaultConcurrency,
	}
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(envHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ConfigDirName), nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// Load reads the configuration from disk, falling back to defaults when the file
// does not exist. A .env file in the working directory and FEWSHOT_* variables
// override file values.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()

	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envServiceURL); v != "" {
		cfg.ServiceURL = v
	}
	if v := os.Getenv(envCachePath); v != "" {
		cfg.CachePath = v
	}
	if v := os.Getenv(envBatchSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envBatchSize, err)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv(envMaxResidentModel); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envMaxResidentModel, err)
		}
		cfg.MaxResident = n
	}
	return nil
}

func (c *Config) normalize() {
	if c.ServiceURL == "" {
		c.ServiceURL = DefaultServiceURL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxResident <= 0 {
		c.MaxResident = DefaultMaxResident
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Save writes the configuration to disk
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
