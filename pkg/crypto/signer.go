// Package crypto provides the hashing and signing primitives for the audit
// ledger: SHA-256 row hashes for chain linkage and HMAC-SHA256 signatures
// for daily tail snapshots.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrInvalidKey is returned when the signing key is empty.
var ErrInvalidKey = errors.New("invalid signing key: must not be empty")

// RowHash computes the chain hash for one audit record. The hash covers the
// record's identifying fields, its serialized details, its timestamp, and
// the previous row's hash, so altering any stored row invalidates linkage
// for every row after it. Fields are joined with a separator that cannot
// appear in ULIDs, action names, or hex hashes.
//
// The timestamp is truncated to microseconds before hashing. TIMESTAMPTZ
// stores microsecond precision, so hashing the nanosecond value would make
// every record fail verification after a round-trip through the database.
func RowHash(id, actorID, action, targetType, targetID, details string, createdAt time.Time, previousHash string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		id,
		actorID,
		action,
		targetType,
		targetID,
		details,
		createdAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		previousHash,
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// HashToken returns the hex SHA-256 of a session token. Raw tokens are never
// persisted; lookups go through this digest.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LedgerSigner produces keyed signatures over ledger tail hashes.
type LedgerSigner struct {
	key []byte
}

// NewLedgerSigner creates a signer from a key string. The key can be:
//   - A base64-encoded 32-byte key (e.g., from: openssl rand -base64 32)
//   - Any passphrase (hashed to 32 bytes with SHA-256)
func NewLedgerSigner(keyInput string) (*LedgerSigner, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	decoded, err := base64.StdEncoding.DecodeString(keyInput)
	if err == nil && len(decoded) == 32 {
		return &LedgerSigner{key: decoded}, nil
	}

	hash := sha256.Sum256([]byte(keyInput))
	return &LedgerSigner{key: hash[:]}, nil
}

// Sign returns the hex HMAC-SHA256 of the given tail hash.
func (s *LedgerSigner) Sign(tailHash string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(tailHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is a valid HMAC for tailHash. Comparison
// is constant-time.
func (s *LedgerSigner) Verify(tailHash, signature string) bool {
	expected := s.Sign(tailHash)
	return hmac.Equal([]byte(expected), []byte(signature))
}
