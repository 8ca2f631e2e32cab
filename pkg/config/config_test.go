package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesSpecLiterals(t *testing.T) {
	cfg := Default()

	if !cfg.Applicability.IncludeMiddlewareOnFilterError {
		t.Error("expected includeMiddlewareOnFilterError default true")
	}
	if !cfg.Invoker.EnableCaching {
		t.Error("expected enableCaching default true")
	}
	if cfg.Exporter.SourceType != "audit:dispatch" {
		t.Errorf("expected sourceType audit:dispatch, got %q", cfg.Exporter.SourceType)
	}
	if cfg.Exporter.Source != "dispatch" {
		t.Errorf("expected source dispatch, got %q", cfg.Exporter.Source)
	}
	if cfg.Exporter.MaxBatchSize != 100 {
		t.Errorf("expected maxBatchSize 100, got %d", cfg.Exporter.MaxBatchSize)
	}
	if cfg.Exporter.RequestTimeout != 30*time.Second {
		t.Errorf("expected requestTimeout 30s, got %v", cfg.Exporter.RequestTimeout)
	}
	if cfg.KMS.KeyAliasPrefix != "excalibur-dispatch" {
		t.Errorf("expected keyAliasPrefix excalibur-dispatch, got %q", cfg.KMS.KeyAliasPrefix)
	}
	if cfg.KMS.DefaultDeletionRetentionDays != 30 {
		t.Errorf("expected defaultDeletionRetentionDays 30, got %d", cfg.KMS.DefaultDeletionRetentionDays)
	}
	if cfg.Migration.MaxDegreeOfParallelism != 4 {
		t.Errorf("expected maxDegreeOfParallelism 4, got %d", cfg.Migration.MaxDegreeOfParallelism)
	}
	if cfg.MultiRegion.ReplicationMode != "Asynchronous" {
		t.Errorf("expected replicationMode Asynchronous, got %q", cfg.MultiRegion.ReplicationMode)
	}
	if cfg.Storage.SagaBackend != "memory" {
		t.Errorf("expected saga_backend memory, got %q", cfg.Storage.SagaBackend)
	}

	if err := Validate(cfg); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
}

func TestLoadLayersYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "excalibur.yaml")
	doc := `
exporter:
  endpoint: "https://siem.example.com/hec"
  token: "secret-token"
  max_batch_size: 250
storage:
  saga_backend: memory
  saga_timeout_backend: memory
  audit_backend: memory
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exporter.Endpoint != "https://siem.example.com/hec" {
		t.Errorf("expected overridden endpoint, got %q", cfg.Exporter.Endpoint)
	}
	if cfg.Exporter.MaxBatchSize != 250 {
		t.Errorf("expected overridden max_batch_size 250, got %d", cfg.Exporter.MaxBatchSize)
	}
	// Fields the document omits keep their defaults.
	if cfg.Exporter.MaxRetryAttempts != 3 {
		t.Errorf("expected default max_retry_attempts 3, got %d", cfg.Exporter.MaxRetryAttempts)
	}
	if !cfg.Invoker.EnableCaching {
		t.Error("expected default enable_caching true to survive a partial document")
	}
}

func TestValidateRejectsUnknownStorageBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.SagaBackend = "mongodb"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown saga_backend")
	}
}

func TestValidateRequiresDSNForSelectedBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.SagaBackend = "sqlite"
	cfg.Storage.SQLiteDSN = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing sqlite_dsn")
	}

	cfg.Storage.SQLiteDSN = "file:excalibur.db"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected validation to pass once sqlite_dsn is set: %v", err)
	}
}

func TestValidateRejectsOutOfRangeRetention(t *testing.T) {
	cfg := Default()
	cfg.KMS.DefaultDeletionRetentionDays = 1

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for retention below 7 days")
	}
}
