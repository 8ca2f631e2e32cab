package kms

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/idgen"
)

// defaultKeyPrefix prefixes the keyId of the default key GetActiveKey
// creates. ListKeys does not filter by it.
const defaultKeyPrefix = "kms-"

type keyRecord struct {
	meta KeyMetadata
	raw  []byte // 32-byte key material; never exposed outside this package
}

// Manager implements the KMS provider-facing operations of spec §4.11.
// Grounded on the teacher's LocalKMS: an in-memory keyring keyed by
// (keyId, version) with an active-version pointer per key, generalized
// to the multi-status lifecycle and rotation-atomicity invariants this
// spec adds.
type Manager struct {
	mu    sync.RWMutex
	keys  map[string][]*keyRecord // keyId -> versions, ascending by Version
	clock clock.Clock
	ids   *idgen.Generator
}

// NewManager returns an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keys:  make(map[string][]*keyRecord),
		clock: clock.System{},
		ids:   idgen.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the trusted clock (tests only).
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

func generateRawKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key material: %w", err)
	}
	return key, nil
}

// GetKey returns keyId's Active version if one exists, otherwise its
// most recently created version, or nil if keyId is unknown.
func (m *Manager) GetKey(keyID string) *KeyMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.keys[keyID]
	if len(versions) == 0 {
		return nil
	}
	for _, r := range versions {
		if r.meta.Status == StatusActive {
			meta := r.meta
			return &meta
		}
	}
	meta := versions[len(versions)-1].meta
	return &meta
}

// GetKeyVersion returns the exact (keyId, version) record, or nil.
func (m *Manager) GetKeyVersion(keyID string, version int) *KeyMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.keys[keyID] {
		if r.meta.Version == version {
			meta := r.meta
			return &meta
		}
	}
	return nil
}

// ListKeys returns metadata for every key version this Manager holds,
// optionally filtered by status and/or purpose. No keyId prefix filter
// is applied.
func (m *Manager) ListKeys(status *KeyStatus, purpose *string) []KeyMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []KeyMetadata
	keyIDs := make([]string, 0, len(m.keys))
	for id := range m.keys {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)

	for _, id := range keyIDs {
		for _, r := range m.keys[id] {
			if status != nil && r.meta.Status != *status {
				continue
			}
			if purpose != nil && r.meta.Purpose != *purpose {
				continue
			}
			out = append(out, r.meta)
		}
	}
	return out
}

// GetActiveKey returns the Active key for purpose. If purpose is empty
// and no key exists at all, a default key is created (spec §4.11). If
// purpose is non-empty and no matching key exists, returns nil.
func (m *Manager) GetActiveKey(purpose string) (*KeyMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, versions := range m.keys {
		for _, r := range versions {
			if r.meta.Status == StatusActive && r.meta.Purpose == purpose {
				meta := r.meta
				return &meta, nil
			}
		}
	}

	if purpose != "" {
		return nil, nil
	}
	if len(m.keys) > 0 {
		return nil, nil
	}

	keyID := defaultKeyPrefix + m.ids.New()
	raw, err := generateRawKey()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()
	meta := KeyMetadata{
		KeyID: keyID, Version: 1, Status: StatusActive,
		Algorithm: AlgorithmAES256GCM, CreatedAt: now, IsFipsCompliant: true,
	}
	m.keys[keyID] = []*keyRecord{{meta: meta, raw: raw}}
	return &meta, nil
}

// Rotate creates a new Active version of keyId and demotes the prior
// Active version to DecryptOnly atomically under the Manager's lock
// (spec §4.11 rotation invariants: no intermediate state is observable
// to a concurrent GetActiveKey/GetKeyVersion caller). Rotating a
// missing keyId creates its first version (spec §4.11).
func (m *Manager) Rotate(keyID string, algorithm Algorithm, purpose string) (*RotationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	versions := m.keys[keyID]

	if len(versions) == 0 {
		raw, err := generateRawKey()
		if err != nil {
			return nil, err
		}
		meta := KeyMetadata{
			KeyID: keyID, Version: 1, Status: StatusActive,
			Algorithm: algorithm, Purpose: purpose, CreatedAt: now, LastRotatedAt: &now,
			IsFipsCompliant: true,
		}
		m.keys[keyID] = []*keyRecord{{meta: meta, raw: raw}}
		return &RotationResult{KeyID: keyID, NewVersion: 1, PriorVersion: 0, RotatedAt: now}, nil
	}

	var priorActive *keyRecord
	for _, r := range versions {
		if r.meta.Status == StatusActive {
			priorActive = r
			break
		}
	}

	raw, err := generateRawKey()
	if err != nil {
		return nil, err
	}
	newVersion := versions[len(versions)-1].meta.Version + 1
	newRecord := &keyRecord{
		meta: KeyMetadata{
			KeyID: keyID, Version: newVersion, Status: StatusActive,
			Algorithm: algorithm, Purpose: purpose, CreatedAt: now, LastRotatedAt: &now,
			IsFipsCompliant: true,
		},
		raw: raw,
	}

	// Build the new version slice off to the side and publish it with
	// a single assignment, so a concurrent reader holding only the
	// read lock never observes a state with zero or two Active
	// versions (spec §4.11 rotation atomicity).
	updated := make([]*keyRecord, 0, len(versions)+1)
	for _, r := range versions {
		if priorActive != nil && r == priorActive {
			demoted := r.meta
			demoted.Status = StatusDecryptOnly
			updated = append(updated, &keyRecord{meta: demoted, raw: r.raw})
			continue
		}
		updated = append(updated, r)
	}
	updated = append(updated, newRecord)
	m.keys[keyID] = updated

	result := &RotationResult{KeyID: keyID, NewVersion: newVersion, RotatedAt: now}
	if priorActive != nil {
		result.PriorVersion = priorActive.meta.Version
	}
	return result, nil
}

// Delete marks keyId's Active/DecryptOnly versions for destruction
// after retentionDays, clamped to [7, 30] (spec §4.11).
func (m *Manager) Delete(keyID string, retentionDays int) bool {
	if retentionDays < 7 {
		retentionDays = 7
	}
	if retentionDays > 30 {
		retentionDays = 30
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.keys[keyID]
	if !ok {
		return false
	}

	now := m.clock.Now().UTC()
	destroyAt := now.AddDate(0, 0, retentionDays)
	for _, r := range versions {
		if r.meta.Status == StatusActive || r.meta.Status == StatusDecryptOnly {
			r.meta.Status = StatusPendingDestruction
			r.meta.ExpiresAt = &destroyAt
		}
	}
	return true
}

// Suspend transitions keyId's Active version to Suspended, tagging the
// record with reason and a suspension timestamp (spec §4.11).
// Suspended is reachable only from Active and returns only to Active
// (spec §3); resuming is out of scope for this operation.
func (m *Manager) Suspend(keyID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.keys[keyID] {
		if r.meta.Status == StatusActive {
			now := m.clock.Now().UTC()
			r.meta.Status = StatusSuspended
			r.meta.SuspendedReason = reason
			r.meta.SuspendedAt = &now
			return true
		}
	}
	return false
}

// rawKeyFor returns the raw key material for (keyId, version), used
// internally by the envelope-encryption layer.
func (m *Manager) rawKeyFor(keyID string, version int) ([]byte, *KeyMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.keys[keyID] {
		if r.meta.Version == version {
			meta := r.meta
			return r.raw, &meta, true
		}
	}
	return nil, nil, false
}

// activeKeyFor returns the Active record for keyID, used by Encrypt.
func (m *Manager) activeKeyFor(keyID string) (*keyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.keys[keyID] {
		if r.meta.Status == StatusActive {
			return r, true
		}
	}
	return nil, false
}
