package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Fingerprint returns the hex SHA-256 of a token. Raw tokens are never logged or used as cache keys.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ShortFingerprint is the first 12 hex chars of Fingerprint, for log lines.
func ShortFingerprint(token string) string {
	if token == "" {
		return ""
	}
	return Fingerprint(token)[:12]
}

// FingerprintEqual reports in constant time whether token hashes to fingerprint.
func FingerprintEqual(token, fingerprint string) bool {
	return subtle.ConstantTimeCompare([]byte(Fingerprint(token)), []byte(fingerprint)) == 1
}
