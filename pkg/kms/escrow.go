package kms

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// shareClaims is the JWT claim set a RecoveryToken share is transported
// and at-rest-protected as (SPEC_FULL §4.11): the share payload IS the
// claim set, signed with a per-escrow HMAC secret, so a tampered share
// fails jwt.ParseWithClaims before combine's arithmetic is even
// inspected. Grounded on the teacher's identity.IdentityClaims
// (jwt.RegisteredClaims embedded with domain-specific fields).
type shareClaims struct {
	jwt.RegisteredClaims
	KeyID       string `json:"keyId"`
	EscrowID    string `json:"escrowId"`
	ShareIndex  int    `json:"shareIndex"`
	TotalShares int    `json:"totalShares"`
	Threshold   int    `json:"threshold"`
	ShareData   string `json:"shareData"` // base64
	CustodianID string `json:"custodianId,omitempty"`
}

// SignToken signs t as a JWT using secret, the per-escrow HMAC key.
func SignToken(t RecoveryToken, secret []byte) (string, error) {
	claims := shareClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			IssuedAt:  jwt.NewNumericDate(t.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
		KeyID:       t.KeyID,
		EscrowID:    t.EscrowID,
		ShareIndex:  t.ShareIndex,
		TotalShares: t.TotalShares,
		Threshold:   t.Threshold,
		ShareData:   base64.StdEncoding.EncodeToString(t.ShareData),
		CustodianID: t.CustodianID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken verifies tokenString's signature against secret and
// returns the RecoveryToken it carries. A signature mismatch or
// expired token is rejected here, before any combine arithmetic runs.
func ParseToken(tokenString string, secret []byte) (*RecoveryToken, error) {
	var claims shareClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("%w: recovery token signature invalid: %v", excerrors.ErrArgumentInvalid, err)
	}

	shareData, err := base64.StdEncoding.DecodeString(claims.ShareData)
	if err != nil {
		return nil, fmt.Errorf("%w: recovery token share data malformed", excerrors.ErrArgumentInvalid)
	}

	return &RecoveryToken{
		TokenID:     claims.ID,
		KeyID:       claims.KeyID,
		EscrowID:    claims.EscrowID,
		ShareIndex:  claims.ShareIndex,
		ShareData:   shareData,
		TotalShares: claims.TotalShares,
		Threshold:   claims.Threshold,
		CreatedAt:   claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
		CustodianID: claims.CustodianID,
	}, nil
}

// Combine reconstructs a combined token from signed shares (spec
// §4.11). Preconditions, checked in order: all tokens verify against
// secret; each token shares the first token's escrowId/keyId/threshold,
// is not expired and has no duplicate shareIndex; the share count
// meets threshold. Any
// violation raises an ErrArgumentInvalid with a specific message (spec
// §4.11: "any combine precondition violation raises an argument error
// with a specific message").
func Combine(tokenStrings []string, secret []byte, now time.Time) (*RecoveryToken, error) {
	if len(tokenStrings) == 0 {
		return nil, fmt.Errorf("%w: combine requires at least one token", excerrors.ErrArgumentInvalid)
	}

	tokens := make([]*RecoveryToken, 0, len(tokenStrings))
	for _, ts := range tokenStrings {
		t, err := ParseToken(ts, secret)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}

	first := tokens[0]
	seenIndex := make(map[int]struct{}, len(tokens))
	minExpiry := first.ExpiresAt

	for _, t := range tokens {
		if t.EscrowID != first.EscrowID {
			return nil, fmt.Errorf("%w: combine: tokens belong to different escrows (%q vs %q)", excerrors.ErrArgumentInvalid, t.EscrowID, first.EscrowID)
		}
		if t.KeyID != first.KeyID {
			return nil, fmt.Errorf("%w: combine: tokens belong to different keys (%q vs %q)", excerrors.ErrArgumentInvalid, t.KeyID, first.KeyID)
		}
		if t.Threshold != first.Threshold {
			return nil, fmt.Errorf("%w: combine: tokens carry different thresholds (%d vs %d)", excerrors.ErrArgumentInvalid, t.Threshold, first.Threshold)
		}
		if !now.Before(t.ExpiresAt) {
			return nil, fmt.Errorf("%w: combine: token %q (share %d) is expired", excerrors.ErrArgumentInvalid, t.TokenID, t.ShareIndex)
		}
		if _, dup := seenIndex[t.ShareIndex]; dup {
			return nil, fmt.Errorf("%w: combine: duplicate shareIndex %d", excerrors.ErrArgumentInvalid, t.ShareIndex)
		}
		seenIndex[t.ShareIndex] = struct{}{}

		if t.ExpiresAt.Before(minExpiry) {
			minExpiry = t.ExpiresAt
		}
	}

	if len(tokens) < first.Threshold {
		return nil, fmt.Errorf("%w: combine: have %d shares, need threshold %d", excerrors.ErrArgumentInvalid, len(tokens), first.Threshold)
	}

	combinedShare := combineShares(tokens)

	return &RecoveryToken{
		TokenID:     fmt.Sprintf("combined-%s", first.EscrowID),
		KeyID:       first.KeyID,
		EscrowID:    first.EscrowID,
		ShareIndex:  0, // spec §4.11: shareIndex 0 marks a combined token
		ShareData:   combinedShare,
		TotalShares: first.TotalShares,
		Threshold:   first.Threshold,
		CreatedAt:   now,
		ExpiresAt:   minExpiry,
	}, nil
}

// CombineBackupShares reconstructs a token from backup shares using the
// same preconditions and arithmetic as Combine (spec §4.11: "backup
// shares follow the same arithmetic with their own expiration
// semantics"); callers distinguish backup shares only by issuing them
// with their own expiresAt policy when signing.
func CombineBackupShares(tokenStrings []string, secret []byte, now time.Time) (*RecoveryToken, error) {
	return Combine(tokenStrings, secret, now)
}

// combineShares XORs the share payloads together. This models a
// Shamir-style secret reconstruction at the byte level; a production
// deployment would use genuine polynomial interpolation over GF(256)
// here, with this function's signature unchanged.
func combineShares(tokens []*RecoveryToken) []byte {
	maxLen := 0
	for _, t := range tokens {
		if len(t.ShareData) > maxLen {
			maxLen = len(t.ShareData)
		}
	}
	out := make([]byte, maxLen)
	for _, t := range tokens {
		for i, b := range t.ShareData {
			out[i] ^= b
		}
	}
	return out
}
