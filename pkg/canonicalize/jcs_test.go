package canonicalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/canonicalize"
)

func TestJCSSortsKeysAndStripsWhitespace(t *testing.T) {
	type doc struct {
		B string `json:"b"`
		A string `json:"a"`
	}

	out, err := canonicalize.JCS(doc{B: "2", A: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(out))
}

func TestJCSIsDeterministicAcrossFieldOrder(t *testing.T) {
	m1 := map[string]any{"z": 1, "a": 2}
	m2 := map[string]any{"a": 2, "z": 1}

	out1, err := canonicalize.JCS(m1)
	require.NoError(t, err)
	out2, err := canonicalize.JCS(m2)
	require.NoError(t, err)

	assert.Equal(t, string(out1), string(out2))
}

func TestHashBytesIsDeterministic(t *testing.T) {
	h1 := canonicalize.HashBytes([]byte("hello"))
	h2 := canonicalize.HashBytes([]byte("hello"))
	h3 := canonicalize.HashBytes([]byte("world"))

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64) // hex-encoded SHA-256
}

func TestCanonicalHashMatchesHashOfJCS(t *testing.T) {
	v := map[string]any{"x": 1}

	encoded, err := canonicalize.JCS(v)
	require.NoError(t, err)

	want := canonicalize.HashBytes(encoded)
	got, err := canonicalize.CanonicalHash(v)
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestNFCNormalizesComposedAndDecomposedFormsIdentically(t *testing.T) {
	composed := "\u00e9"          // e-acute, single code point
	decomposed := "e\u0301"       // e + combining acute accent

	assert.NotEqual(t, composed, decomposed)
	assert.Equal(t, canonicalize.NFC(composed), canonicalize.NFC(decomposed))
}
