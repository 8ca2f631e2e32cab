package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchemaURL is an opaque identifier jsonschema's resource loader
// keys the compiled schema under; it is never dereferenced over the
// network, matching the teacher's firewall.go usage of a fixed,
// never-fetched schema URL.
const configSchemaURL = "https://excalibur.schemas.local/config.schema.json"

// configSchema constrains the fields whose values materially change
// runtime behavior (enums and non-negative bounds); fields the schema
// is silent on are accepted as-is.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "exporter": {
      "type": "object",
      "properties": {
        "max_batch_size": {"type": "integer", "minimum": 1},
        "max_retry_attempts": {"type": "integer", "minimum": 0},
        "push_rate_per_second": {"type": "number", "minimum": 0}
      }
    },
    "kms": {
      "type": "object",
      "properties": {
        "key_alias_prefix": {"type": "string", "minLength": 1},
        "metadata_cache_duration_seconds": {"type": "integer", "minimum": 0},
        "default_deletion_retention_days": {"type": "integer", "minimum": 7, "maximum": 30}
      }
    },
    "migration": {
      "type": "object",
      "properties": {
        "max_degree_of_parallelism": {"type": "integer", "minimum": 1},
        "batch_size": {"type": "integer", "minimum": 1}
      }
    },
    "multi_region": {
      "type": "object",
      "properties": {
        "replication_mode": {"enum": ["Asynchronous", "Synchronous"]},
        "failover_threshold": {"type": "integer", "minimum": 1}
      }
    },
    "observability": {
      "type": "object",
      "properties": {
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "saga_backend": {"enum": ["memory", "sqlite"]},
        "saga_timeout_backend": {"enum": ["memory", "redis"]},
        "audit_backend": {"enum": ["memory", "postgres"]}
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(configSchemaURL, strings.NewReader(configSchema)); err != nil {
			compileErr = fmt.Errorf("config: schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(configSchemaURL)
	})
	return compiledSchema, compileErr
}

// Validate checks cfg against the recognized-options schema (spec §6)
// and a handful of cross-field invariants the schema cannot express.
func Validate(cfg *Config) error {
	schema, err := compiledConfigSchema()
	if err != nil {
		return err
	}

	// jsonschema validates decoded JSON values (map[string]any), not Go
	// structs directly; round-trip through encoding/json the way the
	// teacher's firewall.go validates already-decoded tool params.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal for validation: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: unmarshal for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: schema validation failed: %w", err)
	}

	if cfg.Exporter.RequestTimeout <= 0 {
		return fmt.Errorf("config: exporter.request_timeout must be positive")
	}
	if cfg.Migration.ItemTimeout <= 0 {
		return fmt.Errorf("config: migration.item_timeout must be positive")
	}
	if cfg.Storage.SagaBackend == "sqlite" && cfg.Storage.SQLiteDSN == "" {
		return fmt.Errorf("config: storage.sqlite_dsn is required when storage.saga_backend is sqlite")
	}
	if cfg.Storage.AuditBackend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: storage.postgres_dsn is required when storage.audit_backend is postgres")
	}
	if cfg.Storage.SagaTimeoutBackend == "redis" && cfg.Storage.RedisAddr == "" {
		return fmt.Errorf("config: storage.redis_addr is required when storage.saga_timeout_backend is redis")
	}

	return nil
}
