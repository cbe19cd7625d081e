package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const DefaultEditorID = "editor"

func DefaultConfig() *Config {
	return &Config{
		Engine:   DefaultEngineConfig(),
		Sync:     DefaultSyncConfig(),
		Storage:  DefaultStorageConfig(),
		Postgres: DefaultPostgresConfig(),
		Script:   DefaultScriptConfig(),
		Breaker:  DefaultBreakerConfig(),
		Metrics:  DefaultMetricsConfig(),
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Debounce:        150 * time.Millisecond,
		ComputeTimeout:  0,
		MailboxWarnSize: 10000,
		EditorID:        DefaultEditorID,
	}
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:           true,
		ModuleDebounce:    500 * time.Millisecond,
		ExecutionDebounce: 100 * time.Millisecond,
		InspectionBuffer:  1024,
		WriteTimeout:      5 * time.Second,
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver:   StorageNone,
		InMemory: false,
	}
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{
		Timeout:   5 * time.Second,
		Libraries: []string{"stdlib://string", "stdlib://math"},
	}
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          false,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MaxRequests:      1,
		Cooldown:         30 * time.Second,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: "loom",
	}
}

// NewConfigFromSimple builds a default config for one workflow.
func NewConfigFromSimple(workflowID string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.WorkflowID = workflowID
	config.Logger = logger

	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.WorkflowID == "" {
		config.WorkflowID = uuid.New().String()
	}

	return config
}

// LoadConfig overlays a YAML file onto the defaults.
func LoadConfig(path string, logger *slog.Logger) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	config := NewConfigFromSimple("", logger)
	generatedID := config.WorkflowID
	config.WorkflowID = ""

	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, NewConfigError("yaml", err)
	}

	if config.WorkflowID == "" {
		config.WorkflowID = generatedID
	}
	if config.Postgres.DSN != "" && strings.HasPrefix(config.Postgres.DSN, "env:") {
		config.Postgres.DSN = os.Getenv(strings.TrimPrefix(config.Postgres.DSN, "env:"))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) WithDebounce(d time.Duration) *Config {
	c.Engine.Debounce = d
	return c
}

func (c *Config) WithComputeTimeout(d time.Duration) *Config {
	c.Engine.ComputeTimeout = d
	return c
}

func (c *Config) WithSyncWindows(module, execution time.Duration) *Config {
	c.Sync.ModuleDebounce = module
	c.Sync.ExecutionDebounce = execution
	return c
}

func (c *Config) WithBadger(dataDir string, inMemory bool) *Config {
	c.Storage.Driver = StorageBadger
	c.Storage.DataDir = dataDir
	c.Storage.InMemory = inMemory
	return c
}

func (c *Config) WithPostgres(dsn string) *Config {
	c.Storage.Driver = StoragePostgres
	c.Postgres.DSN = dsn
	return c
}

func (c *Config) WithMetrics(namespace string) *Config {
	c.Metrics.Enabled = true
	if namespace != "" {
		c.Metrics.Namespace = namespace
	}
	return c
}

func (c *Config) Validate() error {
	if c.WorkflowID == "" {
		return NewConfigError("workflow_id", ErrInvalidInput)
	}
	if strings.Contains(c.WorkflowID, ":") {
		return NewConfigError("workflow_id", fmt.Errorf("%w: must not contain ':'", ErrInvalidInput))
	}
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}
	if c.Engine.Debounce < 0 {
		return NewConfigError("engine.debounce", ErrInvalidInput)
	}
	if c.Engine.ComputeTimeout < 0 {
		return NewConfigError("engine.compute_timeout", ErrInvalidInput)
	}
	if c.Engine.EditorID == "" || strings.Contains(c.Engine.EditorID, ":") {
		return NewConfigError("engine.editor_id", ErrInvalidInput)
	}
	if c.Sync.Enabled && (c.Sync.ModuleDebounce < 0 || c.Sync.ExecutionDebounce < 0) {
		return NewConfigError("sync", ErrInvalidInput)
	}

	if c.Breaker.Enabled && (c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 || c.Breaker.Cooldown < 0) {
		return NewConfigError("breaker", ErrInvalidInput)
	}

	switch c.Storage.Driver {
	case StorageNone, "":
	case StorageBadger:
		if !c.Storage.InMemory && c.Storage.DataDir == "" {
			return NewConfigError("storage.data_dir", ErrInvalidInput)
		}
	case StoragePostgres:
		if c.Postgres.DSN == "" {
			return NewConfigError("postgres.dsn", ErrInvalidInput)
		}
	default:
		return NewConfigError("storage.driver", ErrInvalidInput)
	}

	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
