package canonicalize

import "golang.org/x/text/unicode/norm"

// NFC returns s normalized to Unicode Normalization Form C. Audit event
// canonical encoding (spec §6) requires every string field to be
// NFC-normalized before hashing, so two byte-distinct but
// canonically-equal strings never produce different hash chains.
func NFC(s string) string {
	return norm.NFC.String(s)
}
