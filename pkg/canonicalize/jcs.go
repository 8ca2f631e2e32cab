// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic, content-addressed hashing of audit
// events and evidence packs.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard library (so struct tags,
// omitempty, etc. are honored) and the result is then transformed into
// its canonical byte form: map keys sorted by UTF-16 code unit, numbers
// in shortest round-trippable form, no insignificant whitespace.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}

	return canonical, nil
}

// JCSString returns the JCS canonical form of v as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the lowercase hex SHA-256 digest of the JCS
// canonical encoding of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
