// Package signature implements HMAC-SHA256 signing of webhook payloads.
// Bot owners verify deliveries with the same secret configured via setWebhook.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix identifies the hash algorithm in the signature header value.
const Prefix = "sha256="

// Sign computes the signature header value for payload using secret:
// "sha256=" followed by the hex-encoded HMAC-SHA256 digest.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of payload under secret.
// Comparison is constant-time.
func Verify(secret string, payload []byte, header string) bool {
	if !strings.HasPrefix(header, Prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, Prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
