package audit

import (
	"sort"
	"time"

	"github.com/TrigintaFaces/excalibur/pkg/canonicalize"
)

// canonicalEncoding builds the deterministic byte representation of e
// used for hash-chain construction (spec §6): every field listed in
// §3, explicit nulls, metadata keys sorted lexicographically, strings
// NFC-normalized, timestamps RFC 3339 with millisecond precision. The
// JCS transform (spec SPEC_FULL §3) re-sorts object keys by UTF-16
// code unit regardless of map iteration order, so determinism comes
// from JCS itself rather than from the order fields are inserted here.
func canonicalEncoding(e Event, previousEventHash string) ([]byte, error) {
	metaKeys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)

	meta := make(map[string]string, len(metaKeys))
	for _, k := range metaKeys {
		meta[canonicalize.NFC(k)] = canonicalize.NFC(e.Metadata[k])
	}

	doc := map[string]any{
		"eventId":           canonicalize.NFC(e.EventID),
		"eventType":         string(e.EventType),
		"action":            canonicalize.NFC(e.Action),
		"outcome":           string(e.Outcome),
		"timestampUtc":      formatMillis(e.TimestampUtc),
		"actorId":           canonicalize.NFC(e.ActorID),
		"actorDisplayName":  nullableNFC(e.ActorDisplayName),
		"resourceId":        nullableNFC(e.ResourceID),
		"resourceType":      nullableNFC(e.ResourceType),
		"tenantId":          nullableNFC(e.TenantID),
		"sessionId":         nullableNFC(e.SessionID),
		"correlationId":     nullableNFC(e.CorrelationID),
		"ipAddress":         nullableNFC(e.IPAddress),
		"userAgent":         nullableNFC(e.UserAgent),
		"classification":    nullableNFC(e.Classification),
		"reason":            nullableNFC(e.Reason),
		"metadata":          meta,
		"sequenceNumber":    e.SequenceNumber,
		"previousEventHash": previousEventHash,
	}

	return canonicalize.JCS(doc)
}

// nullableNFC returns nil for an empty string (explicit null in the
// canonical encoding) or the NFC-normalized string otherwise.
func nullableNFC(s string) any {
	if s == "" {
		return nil
	}
	return canonicalize.NFC(s)
}

func formatMillis(t time.Time) string {
	// time.RFC3339 with forced millisecond precision.
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ComputeHash returns the hex-encoded SHA-256 hash chaining e onto
// previousEventHash: previousEventHash is written as a field of e's
// canonical JCS document, and the hash is taken over that one
// document rather than over a byte concatenation.
func ComputeHash(e Event, previousEventHash string) (string, error) {
	enc, err := canonicalEncoding(e, previousEventHash)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(enc), nil
}
