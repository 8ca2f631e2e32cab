// Package kms implements the C11 KMS state model: key lifecycle,
// envelope encryption, escrow/recovery, and migration planning.
// Grounded on the teacher's pkg/kms.LocalKMS (versioned AES-256-GCM
// keys with an active-version pointer), generalized to the richer
// multi-status key lifecycle spec §3/§4.11 requires.
package kms

import "time"

// KeyStatus is a key version's position in its lifecycle (spec §3).
type KeyStatus string

const (
	StatusActive             KeyStatus = "Active"
	StatusDecryptOnly        KeyStatus = "DecryptOnly"
	StatusPendingDestruction KeyStatus = "PendingDestruction"
	StatusDestroyed          KeyStatus = "Destroyed"
	StatusSuspended          KeyStatus = "Suspended"
)

// Algorithm is a key's encryption algorithm (spec §3).
type Algorithm string

const (
	AlgorithmAES256GCM       Algorithm = "AES-256-GCM"
	AlgorithmAES256CBCHMAC   Algorithm = "AES-256-CBC-HMAC"
)

// KeyMetadata describes one key version (spec §3). The raw key
// material never appears here; it is held only inside the Manager's
// keyring, indexed by the same (keyId, version) pair.
type KeyMetadata struct {
	KeyID          string
	Version        int
	Status         KeyStatus
	Algorithm      Algorithm
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	LastRotatedAt  *time.Time
	Purpose        string
	IsFipsCompliant bool

	SuspendedReason string
	SuspendedAt     *time.Time
}

// EncryptedData is the envelope-encryption output (spec §3),
// identifiable by its 4-byte "EXCR" magic prefix once serialized.
type EncryptedData struct {
	Ciphertext     []byte
	KeyID          string
	KeyVersion     int
	Algorithm      Algorithm
	IV             []byte
	AuthTag        []byte
	AssociatedData []byte
	TenantID       string
	EncryptedAt    time.Time
}

// magicPrefix identifies serialized EncryptedData (spec §3: "0x45 0x58
// 0x43 0x52").
var magicPrefix = [4]byte{0x45, 0x58, 0x43, 0x52}

// RotationResult is the outcome of Manager.Rotate (spec §4.11).
type RotationResult struct {
	KeyID        string
	NewVersion   int
	PriorVersion int
	RotatedAt    time.Time
}

// EscrowState is an escrow record's lifecycle position (spec §3).
type EscrowState string

const (
	EscrowActive    EscrowState = "Active"
	EscrowRecovered EscrowState = "Recovered"
	EscrowExpired   EscrowState = "Expired"
	EscrowRevoked   EscrowState = "Revoked"
)

// EscrowStatus describes a key's escrowed recovery material (spec §3).
type EscrowStatus struct {
	KeyID             string
	EscrowID          string
	State             EscrowState
	EscrowedAt        time.Time
	ExpiresAt         *time.Time
	ActiveTokenCount  int
	RecoveryAttempts  int
	LastRecoveryAttempt *time.Time
	TenantID          string
	Purpose           string
}

// IsRecoverable is the derived flag from spec §3:
// "(state == Active) ∧ (expiresAt == null ∨ expiresAt > now)".
func (s EscrowStatus) IsRecoverable(now time.Time) bool {
	if s.State != EscrowActive {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// RecoveryToken is one share of an escrowed key (spec §4.11).
type RecoveryToken struct {
	TokenID     string
	KeyID       string
	EscrowID    string
	ShareIndex  int
	ShareData   []byte
	TotalShares int
	Threshold   int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CustodianID string
}

// MigrationState is a migration job's lifecycle position (spec §3).
type MigrationState string

const (
	MigrationPending   MigrationState = "Pending"
	MigrationRunning   MigrationState = "Running"
	MigrationPaused    MigrationState = "Paused"
	MigrationCompleted MigrationState = "Completed"
	MigrationFailed    MigrationState = "Failed"
	MigrationCancelled MigrationState = "Cancelled"
)

// MigrationStatus tracks a running or completed migration job (spec §3).
type MigrationStatus struct {
	MigrationID    string
	State          MigrationState
	TotalItems     int
	CompletedItems int
	SucceededItems int
	FailedItems    int
	StartedAt      time.Time
	LastUpdatedAt  time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
	Details        string
}

// PercentComplete is the derived flag from spec §3:
// "100 * completedItems / totalItems (0 when total is 0)".
func (m MigrationStatus) PercentComplete() float64 {
	if m.TotalItems == 0 {
		return 0
	}
	return 100 * float64(m.CompletedItems) / float64(m.TotalItems)
}

// MigrationItem is one candidate for a migration policy to evaluate
// (spec §4.11: "policy matches items on key age, min version,
// algorithm, deprecated key/algorithm sets, FIPS requirement, tenant
// whitelist").
type MigrationItem struct {
	ItemID      string
	KeyID       string
	KeyVersion  int
	Algorithm   Algorithm
	FormatVersion string
	CreatedAt   time.Time
	TenantID    string
	IsFipsCompliant bool
	SizeBytes   int64
}

// MigrationPolicy selects which items a migration run touches (spec
// §4.11). MinFormatVersion is a semver constraint (SPEC_FULL §4.11)
// checked against each item's FormatVersion before it is queued.
type MigrationPolicy struct {
	MaxKeyAge          time.Duration
	MinFormatVersion   string // semver constraint, e.g. ">=1.2.0"
	DeprecatedKeyIDs   map[string]struct{}
	DeprecatedAlgorithms map[Algorithm]struct{}
	RequireFips        bool
	TenantWhitelist    map[string]struct{} // empty = all tenants
}

// MigrationEstimate is the outcome of Estimate (spec §4.11).
type MigrationEstimate struct {
	ItemCount    int
	ByteSize     int64
	Duration     time.Duration
	Breakdowns   map[string]int // keyed by algorithm
	Warnings     []string
	EstimatedAt  time.Time
}

// BatchMigrationResult is the outcome of BatchMigrate (spec
// §4.11). IsPartialSuccess requires "!success ∧ succeeded > 0"; per
// spec §9's open question, success==true with failedCount>0 is treated
// as not representable and never produced by this implementation.
type BatchMigrationResult struct {
	Success     bool
	MigrationID string
	Total       int
	Succeeded   int
	Failed      int
	Duration    time.Duration
	StartedAt   time.Time
	CompletedAt time.Time
}

// IsPartialSuccess is the derived flag from spec §4.11.
func (r BatchMigrationResult) IsPartialSuccess() bool {
	return !r.Success && r.Succeeded > 0
}
