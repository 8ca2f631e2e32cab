package kms_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/kms"
)

// Scenario 6 (spec §8): initial Active key v1; after rotate,
// getActive() == v2 with status Active and getKeyVersion(keyId,
// 1).status == DecryptOnly; no stale intermediate state is observable
// from a concurrent reader.
func TestRotationAtomicity(t *testing.T) {
	m := kms.NewManager(kms.WithManagerClock(clock.Fixed{At: time.Now().UTC()}))

	_, err := m.Rotate("order-key", kms.AlgorithmAES256GCM, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var observedInvalid bool
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			active := m.GetKey("order-key")
			if active != nil && active.Status != kms.StatusActive {
				mu.Lock()
				observedInvalid = true
				mu.Unlock()
			}
		}
	}()

	result, err := m.Rotate("order-key", kms.AlgorithmAES256GCM, "")
	require.NoError(t, err)
	close(stop)
	wg.Wait()

	assert.False(t, observedInvalid, "GetKey must never return a non-Active record as the active key")
	assert.Equal(t, 2, result.NewVersion)
	assert.Equal(t, 1, result.PriorVersion)

	active := m.GetKey("order-key")
	require.NotNil(t, active)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, kms.StatusActive, active.Status)

	v1 := m.GetKeyVersion("order-key", 1)
	require.NotNil(t, v1)
	assert.Equal(t, kms.StatusDecryptOnly, v1.Status)
}

func TestRotateMissingKeyCreatesFirstVersion(t *testing.T) {
	m := kms.NewManager()
	result, err := m.Rotate("new-key", kms.AlgorithmAES256GCM, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewVersion)
	assert.Equal(t, 0, result.PriorVersion)
}

func TestSuspendAndDelete(t *testing.T) {
	m := kms.NewManager()
	_, err := m.Rotate("k1", kms.AlgorithmAES256GCM, "")
	require.NoError(t, err)

	assert.True(t, m.Suspend("k1", "incident-142"))
	assert.Equal(t, kms.StatusSuspended, m.GetKeyVersion("k1", 1).Status)

	assert.True(t, m.Delete("k1", 999))
	v1 := m.GetKeyVersion("k1", 1)
	// Suspended keys are not Active/DecryptOnly, so Delete is a no-op
	// on this particular version; retention clamp is still exercised
	// via a second, rotated key below.
	assert.Equal(t, kms.StatusSuspended, v1.Status)

	_, err = m.Rotate("k2", kms.AlgorithmAES256GCM, "")
	require.NoError(t, err)
	assert.True(t, m.Delete("k2", 1))
	v2 := m.GetKeyVersion("k2", 1)
	require.NotNil(t, v2.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *v2.ExpiresAt, time.Hour)
}

func TestGetActiveKeyCreatesDefault(t *testing.T) {
	m := kms.NewManager()
	active, err := m.GetActiveKey("")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, kms.StatusActive, active.Status)

	again, err := m.GetActiveKey("special-purpose")
	require.NoError(t, err)
	assert.Nil(t, again, "non-empty purpose with no matching key returns nil, not a new default key")
}
