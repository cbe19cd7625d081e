package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	WorkflowID string       `json:"workflow_id" yaml:"workflow_id"`
	Logger     *slog.Logger `json:"-" yaml:"-"`

	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Sync     SyncConfig     `json:"sync" yaml:"sync"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Script   ScriptConfig   `json:"script" yaml:"script"`
	Secrets  SecretsConfig  `json:"secrets" yaml:"secrets"`
	Breaker  BreakerConfig  `json:"breaker" yaml:"breaker"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type EngineConfig struct {
	// Debounce is the settle window for value cells and output mirroring.
	Debounce time.Duration `json:"debounce" yaml:"debounce"`
	// ComputeTimeout bounds a compute join; zero waits forever.
	ComputeTimeout time.Duration `json:"compute_timeout" yaml:"compute_timeout"`
	// MailboxWarnSize logs a warning when the dispatcher queue grows past it.
	MailboxWarnSize int    `json:"mailbox_warn_size" yaml:"mailbox_warn_size"`
	EditorID        string `json:"editor_id" yaml:"editor_id"`
}

type SyncConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// ModuleDebounce buffers design-time snapshot writes.
	ModuleDebounce time.Duration `json:"module_debounce" yaml:"module_debounce"`
	// ExecutionDebounce buffers snapshot writes of a running execution.
	ExecutionDebounce time.Duration `json:"execution_debounce" yaml:"execution_debounce"`
	InspectionBuffer  int           `json:"inspection_buffer" yaml:"inspection_buffer"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type StorageDriver string

const (
	StorageNone     StorageDriver = "none"
	StorageBadger   StorageDriver = "badger"
	StoragePostgres StorageDriver = "postgres"
)

type StorageConfig struct {
	Driver   StorageDriver `json:"driver" yaml:"driver"`
	DataDir  string        `json:"data_dir" yaml:"data_dir"`
	InMemory bool          `json:"in_memory" yaml:"in_memory"`
}

type PostgresConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate"`
}

type ScriptConfig struct {
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Libraries []string      `json:"libraries" yaml:"libraries"`
}

// SecretsConfig scopes environment lookups of secret-format inputs.
// A prefix of "APP" resolves "api key" from APP_API_KEY or APP_API_KEY_FILE.
type SecretsConfig struct {
	EnvPrefix string `json:"env_prefix" yaml:"env_prefix"`
}

// BreakerConfig guards outbound HTTP and completion calls with one circuit
// breaker per endpoint host.
type BreakerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
	// MaxRequests bounds concurrent trial calls while half-open.
	MaxRequests int `json:"max_requests" yaml:"max_requests"`
	// Cooldown is how long an open breaker rejects before probing.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}
