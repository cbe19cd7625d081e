package loom

import (
	"log/slog"

	"github.com/eleven-am/loom/internal/domain"
)

type Config = domain.Config

type EngineConfig = domain.EngineConfig

type SyncConfig = domain.SyncConfig

type StorageConfig = domain.StorageConfig

type StorageDriver = domain.StorageDriver

const (
	StorageNone     = domain.StorageNone
	StorageBadger   = domain.StorageBadger
	StoragePostgres = domain.StoragePostgres
)

type PostgresConfig = domain.PostgresConfig

type ScriptConfig = domain.ScriptConfig

type SecretsConfig = domain.SecretsConfig

type MetricsConfig = domain.MetricsConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// NewConfigFromSimple returns defaults for one workflow. An empty id is
// replaced by a random one.
func NewConfigFromSimple(workflowID string, logger *slog.Logger) *Config {
	return domain.NewConfigFromSimple(workflowID, logger)
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string, logger *slog.Logger) (*Config, error) {
	return domain.LoadConfig(path, logger)
}
