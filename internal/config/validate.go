package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// Validate validates the configuration and returns any errors.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[cfg.Env] {
		errs.add("env", "must be one of: development, staging, production, test")
	}

	if cfg.GoBackend.HTTPPort <= 0 || cfg.GoBackend.HTTPPort > 65535 {
		errs.add("go_backend.http_port", "must be a valid port number (1-65535)")
	}
	validateDuration(&errs, "go_backend.shutdown_timeout", cfg.GoBackend.ShutdownTimeout, true)

	if cfg.GoBackend.Database.Enabled {
		errs = append(errs, validateDatabase(&cfg.GoBackend.Database)...)
	}
	if cfg.GoBackend.RabbitMQ.Enabled {
		errs = append(errs, validateRabbitMQ(&cfg.GoBackend.RabbitMQ)...)
	}
	errs = append(errs, validateEngine(&cfg.GoBackend.Engine)...)
	errs = append(errs, validateOptimizer(&cfg.GoBackend.Optimizer)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(errs *ValidationErrors, field, value string, positive bool) {
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		errs.add(field, fmt.Sprintf("invalid duration %q", value))
	case positive && d <= 0:
		errs.add(field, "must be greater than 0")
	case d < 0:
		errs.add(field, "must be non-negative")
	}
}

func validateDatabase(db *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if db.Host == "" {
		errs.add("go_backend.database.host", "is required")
	}
	if db.Port <= 0 || db.Port > 65535 {
		errs.add("go_backend.database.port", "must be a valid port number (1-65535)")
	}
	if db.User == "" {
		errs.add("go_backend.database.user", "is required")
	}
	if db.Name == "" {
		errs.add("go_backend.database.name", "is required")
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[db.SSLMode] {
		errs.add("go_backend.database.sslmode", "must be one of: disable, require, verify-ca, verify-full")
	}

	if db.MaxConnections <= 0 {
		errs.add("go_backend.database.max_connections", "must be greater than 0")
	}
	if db.MaxIdleConnections < 0 {
		errs.add("go_backend.database.max_idle_connections", "must be non-negative")
	}
	if db.MaxIdleConnections > db.MaxConnections {
		errs.add("go_backend.database.max_idle_connections", "must not exceed max_connections")
	}
	if db.ConnMaxLifetime != "" {
		validateDuration(&errs, "go_backend.database.conn_max_lifetime", db.ConnMaxLifetime, false)
	}

	return errs
}

func validateRabbitMQ(mq *RabbitMQConfig) ValidationErrors {
	var errs ValidationErrors

	if mq.URL == "" {
		errs.add("go_backend.rabbitmq.url", "is required")
	} else if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		errs.add("go_backend.rabbitmq.url", "must start with amqp:// or amqps://")
	}
	if mq.Exchange == "" {
		errs.add("go_backend.rabbitmq.exchange", "is required")
	}
	if mq.PrefetchCount <= 0 {
		errs.add("go_backend.rabbitmq.prefetch_count", "must be greater than 0")
	}
	validateDuration(&errs, "go_backend.rabbitmq.reconnect_delay", mq.ReconnectDelay, true)
	validateDuration(&errs, "go_backend.rabbitmq.max_reconnect_wait", mq.MaxReconnectWait, true)

	return errs
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if e.InitialCapital <= 0 {
		errs.add("go_backend.engine.initial_capital", "must be greater than 0")
	}
	if e.FeeRate < 0 || e.FeeRate >= 1 {
		errs.add("go_backend.engine.fee_rate", "must be in [0, 1)")
	}
	if e.FillPolicy != "" && !domain.FillPolicy(strings.ToLower(e.FillPolicy)).IsValid() {
		errs.add("go_backend.engine.fill_policy", "must be one of: next_open, close")
	}
	if e.DeepTimeframe != "" {
		if _, err := domain.ParseTimeframe(e.DeepTimeframe); err != nil {
			errs.add("go_backend.engine.deep_timeframe", err.Error())
		}
	}

	return errs
}

func validateOptimizer(o *OptimizerConfig) ValidationErrors {
	var errs ValidationErrors

	if o.MaxConcurrentTests <= 0 {
		errs.add("go_backend.optimizer.max_concurrent_tests", "must be greater than 0")
	}
	if o.MaxConcurrentTests > 256 {
		errs.add("go_backend.optimizer.max_concurrent_tests", "should not exceed 256 for reasonable resource usage")
	}
	validateDuration(&errs, "go_backend.optimizer.test_timeout", o.TestTimeout, false)
	validateDuration(&errs, "go_backend.optimizer.job_timeout", o.JobTimeout, false)
	validateDuration(&errs, "go_backend.optimizer.progress_interval", o.ProgressInterval, true)
	validateDuration(&errs, "go_backend.optimizer.retention_ttl", o.RetentionTTL, true)

	if o.GridWarnThreshold < 0 {
		errs.add("go_backend.optimizer.grid_warn_threshold", "must be non-negative")
	}
	if o.MaxCombinations < 1 {
		errs.add("go_backend.optimizer.max_combinations", "must be at least 1")
	}
	if o.RefinementRounds < 1 {
		errs.add("go_backend.optimizer.refinement_rounds", "must be at least 1")
	}
	if !domain.Objective(o.Objective).IsValid() {
		errs.add("go_backend.optimizer.objective", fmt.Sprintf("unknown objective %q", o.Objective))
	}
	if o.RetentionCron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(o.RetentionCron); err != nil {
			errs.add("go_backend.optimizer.retention_cron", err.Error())
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[l.Level] {
		errs.add("logging.level", "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[l.Format] {
		errs.add("logging.format", "must be one of: json, console")
	}
	if l.Rotation.MaxSizeMB < 0 || l.Rotation.MaxBackups < 0 || l.Rotation.MaxAgeDays < 0 {
		errs.add("logging.rotation", "limits must be non-negative")
	}

	return errs
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
