package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
)

func TestSystemReturnsUTC(t *testing.T) {
	now := clock.System{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFixedAlwaysReturnsSameInstant(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.Fixed{At: at}

	assert.Equal(t, at, c.Now())
	assert.Equal(t, at, c.Now())
}

func TestSequenceAdvancesByStep(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.Sequence(start, time.Second)

	first := c.Now()
	second := c.Now()
	third := c.Now()

	assert.Equal(t, start, first)
	assert.Equal(t, start.Add(time.Second), second)
	assert.Equal(t, start.Add(2*time.Second), third)
}
