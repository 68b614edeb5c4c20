package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file and applies environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if exists
	if configPath != "" {
		if err := loadFromYAML(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromYAML loads configuration from a YAML file. A missing file keeps the defaults.
func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	gb := &cfg.GoBackend

	envString("ENV", &cfg.Env)
	envInt("HTTP_PORT", &gb.HTTPPort)
	envString("SHUTDOWN_TIMEOUT", &gb.ShutdownTimeout)

	// Database
	envBool("DB_ENABLED", &gb.Database.Enabled)
	envString("DB_HOST", &gb.Database.Host)
	envInt("DB_PORT", &gb.Database.Port)
	envString("DB_USER", &gb.Database.User)
	envString("DB_PASSWORD", &gb.Database.Password)
	envString("DB_NAME", &gb.Database.Name)
	envString("DB_SSLMODE", &gb.Database.SSLMode)
	envInt("DB_MAX_CONNECTIONS", &gb.Database.MaxConnections)

	// RabbitMQ
	envBool("RABBITMQ_ENABLED", &gb.RabbitMQ.Enabled)
	envString("RABBITMQ_URL", &gb.RabbitMQ.URL)
	envString("RABBITMQ_EXCHANGE", &gb.RabbitMQ.Exchange)

	// Engine
	envFloat("ENGINE_INITIAL_CAPITAL", &gb.Engine.InitialCapital)
	envFloat("ENGINE_FEE_RATE", &gb.Engine.FeeRate)
	envString("ENGINE_FILL_POLICY", &gb.Engine.FillPolicy)
	envString("ENGINE_DEEP_TIMEFRAME", &gb.Engine.DeepTimeframe)

	// Optimizer
	envInt("MAX_CONCURRENT_TESTS", &gb.Optimizer.MaxConcurrentTests)
	envString("TEST_TIMEOUT", &gb.Optimizer.TestTimeout)
	envString("JOB_TIMEOUT", &gb.Optimizer.JobTimeout)
	envInt("REFINEMENT_ROUNDS", &gb.Optimizer.RefinementRounds)
	envInt("MAX_COMBINATIONS", &gb.Optimizer.MaxCombinations)
	envString("OPTIMIZER_OBJECTIVE", &gb.Optimizer.Objective)
	envString("RETENTION_TTL", &gb.Optimizer.RetentionTTL)

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	envString("LOG_OUTPUT", &cfg.Logging.OutputPath)
}
