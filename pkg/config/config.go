// Package config defines the typed option structs recognized by the
// dispatch/saga runtime and its compliance sidecar (spec §6
// "Configuration options"), and loads/validates them from YAML.
// Grounded on the teacher's pkg/config/profile_loader.go (yaml.v3
// unmarshal into dual-tagged structs) and pkg/firewall/firewall.go
// (santhosh-tekuri/jsonschema/v5 compile-then-validate).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ApplicabilityConfig controls the middleware Evaluator (spec §6).
type ApplicabilityConfig struct {
	IncludeMiddlewareOnFilterError bool `yaml:"include_middleware_on_filter_error" json:"include_middleware_on_filter_error"`
}

// InvokerConfig controls the middleware Invoker (spec §6).
type InvokerConfig struct {
	EnableCaching bool `yaml:"enable_caching" json:"enable_caching"`
}

// ExporterConfig controls the SIEM audit exporter (spec §6).
type ExporterConfig struct {
	Endpoint             string        `yaml:"endpoint" json:"endpoint"`
	Token                string        `yaml:"token" json:"token"`
	SourceType           string        `yaml:"source_type" json:"source_type"`
	Source               string        `yaml:"source,omitempty" json:"source,omitempty"`
	Host                 string        `yaml:"host,omitempty" json:"host,omitempty"`
	Index                string        `yaml:"index,omitempty" json:"index,omitempty"`
	MaxBatchSize         int           `yaml:"max_batch_size" json:"max_batch_size"`
	RequestTimeout       time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxRetryAttempts     int           `yaml:"max_retry_attempts" json:"max_retry_attempts"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	EnableCompression    bool          `yaml:"enable_compression" json:"enable_compression"`
	ValidateCertificate  bool          `yaml:"validate_certificate" json:"validate_certificate"`
	UseAck               bool          `yaml:"use_ack" json:"use_ack"`
	Channel              string        `yaml:"channel,omitempty" json:"channel,omitempty"`
	// PushRatePerSecond bounds the exporter's outbound request rate
	// (SPEC_FULL C10 addition; 0 disables limiting).
	PushRatePerSecond float64 `yaml:"push_rate_per_second,omitempty" json:"push_rate_per_second,omitempty"`
	PushBurst         int     `yaml:"push_burst,omitempty" json:"push_burst,omitempty"`
}

// KMSConfig controls the envelope-encryption key manager (spec §6).
type KMSConfig struct {
	KeyAliasPrefix               string   `yaml:"key_alias_prefix" json:"key_alias_prefix"`
	Environment                  string   `yaml:"environment,omitempty" json:"environment,omitempty"`
	EnableAutoRotation           bool     `yaml:"enable_auto_rotation" json:"enable_auto_rotation"`
	MetadataCacheDurationSeconds int      `yaml:"metadata_cache_duration_seconds" json:"metadata_cache_duration_seconds"`
	DefaultDeletionRetentionDays int      `yaml:"default_deletion_retention_days" json:"default_deletion_retention_days"`
	CreateMultiRegionKeys        bool     `yaml:"create_multi_region_keys" json:"create_multi_region_keys"`
	ReplicaRegions               []string `yaml:"replica_regions,omitempty" json:"replica_regions,omitempty"`
}

// MigrationConfig controls batch key-format migrations (spec §6).
type MigrationConfig struct {
	MaxDegreeOfParallelism int           `yaml:"max_degree_of_parallelism" json:"max_degree_of_parallelism"`
	BatchSize              int           `yaml:"batch_size" json:"batch_size"`
	ContinueOnError        bool          `yaml:"continue_on_error" json:"continue_on_error"`
	ItemTimeout            time.Duration `yaml:"item_timeout" json:"item_timeout"`
	TrackProgress          bool          `yaml:"track_progress" json:"track_progress"`
}

// MultiRegionConfig controls the multi-region replication posture a
// KMS deployment advertises (spec §6).
type MultiRegionConfig struct {
	ReplicationMode         string        `yaml:"replication_mode" json:"replication_mode"` // "Asynchronous" | "Synchronous"
	RPOTarget               time.Duration `yaml:"rpo_target" json:"rpo_target"`
	RTOTarget               time.Duration `yaml:"rto_target" json:"rto_target"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	FailoverThreshold       int           `yaml:"failover_threshold" json:"failover_threshold"`
	EnableAutomaticFailover bool          `yaml:"enable_automatic_failover" json:"enable_automatic_failover"`
}

// ObservabilityConfig controls the tracer/meter provider (SPEC_FULL
// C13 addition).
type ObservabilityConfig struct {
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version,omitempty" json:"service_version,omitempty"`
	Environment    string  `yaml:"environment,omitempty" json:"environment,omitempty"`
	SampleRatio    float64 `yaml:"sample_ratio" json:"sample_ratio"`
	Enabled        bool    `yaml:"enabled" json:"enabled"`
}

// StorageConfig selects the backend implementation for the saga store,
// saga timeout store and audit journal (SPEC_FULL C12 addition).
// Each field is independent: a deployment may run sagas on SQLite
// while keeping audit events in Postgres.
type StorageConfig struct {
	SagaBackend        string `yaml:"saga_backend" json:"saga_backend"`                 // "memory" | "sqlite"
	SagaTimeoutBackend string `yaml:"saga_timeout_backend" json:"saga_timeout_backend"` // "memory" | "redis"
	AuditBackend       string `yaml:"audit_backend" json:"audit_backend"`               // "memory" | "postgres"
	SQLiteDSN           string `yaml:"sqlite_dsn,omitempty" json:"sqlite_dsn,omitempty"`
	PostgresDSN         string `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
	RedisAddr           string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisKeyPrefix      string `yaml:"redis_key_prefix,omitempty" json:"redis_key_prefix,omitempty"`
}

// Config aggregates every recognized configuration section (spec §6).
type Config struct {
	Applicability ApplicabilityConfig `yaml:"applicability" json:"applicability"`
	Invoker       InvokerConfig       `yaml:"invoker" json:"invoker"`
	Exporter      ExporterConfig      `yaml:"exporter" json:"exporter"`
	KMS           KMSConfig           `yaml:"kms" json:"kms"`
	Migration     MigrationConfig     `yaml:"migration" json:"migration"`
	MultiRegion   MultiRegionConfig   `yaml:"multi_region" json:"multi_region"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
}

// Default returns the configuration with every default literal from
// spec §6 applied.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Applicability: ApplicabilityConfig{IncludeMiddlewareOnFilterError: true},
		Invoker:       InvokerConfig{EnableCaching: true},
		Exporter: ExporterConfig{
			SourceType:          "audit:dispatch",
			Source:              "dispatch",
			Host:                host,
			MaxBatchSize:        100,
			RequestTimeout:      30 * time.Second,
			MaxRetryAttempts:    3,
			RetryBaseDelay:      1 * time.Second,
			EnableCompression:   true,
			ValidateCertificate: true,
			UseAck:              false,
		},
		KMS: KMSConfig{
			KeyAliasPrefix:               "excalibur-dispatch",
			EnableAutoRotation:           true,
			MetadataCacheDurationSeconds: 300,
			DefaultDeletionRetentionDays: 30,
			CreateMultiRegionKeys:        false,
		},
		Migration: MigrationConfig{
			MaxDegreeOfParallelism: 4,
			BatchSize:              100,
			ContinueOnError:        true,
			ItemTimeout:            1 * time.Minute,
			TrackProgress:          true,
		},
		MultiRegion: MultiRegionConfig{
			ReplicationMode:         "Asynchronous",
			RPOTarget:               15 * time.Minute,
			RTOTarget:               5 * time.Minute,
			HealthCheckInterval:     30 * time.Second,
			FailoverThreshold:       3,
			EnableAutomaticFailover: true,
		},
		Observability: ObservabilityConfig{
			ServiceName: "excalibur",
			SampleRatio: 1.0,
			Enabled:     true,
		},
		Storage: StorageConfig{
			SagaBackend:        "memory",
			SagaTimeoutBackend: "memory",
			AuditBackend:       "memory",
		},
	}
}

// Load reads a YAML document at path over top of Default(), the way
// the teacher's LoadProfile layers a parsed document over zero values,
// except any field the document omits keeps its default rather than
// going to zero.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}
