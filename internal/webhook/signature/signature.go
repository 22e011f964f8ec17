// Package signature authenticates raw webhook payloads against the shared
// secret configured with LemonSqueezy.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/smallbiznis/billingsync/internal/webhook/domain"
)

// Verify checks the hex-encoded HMAC-SHA256 signature of payload. The payload
// must be the exact raw bytes received on the wire; verification happens
// before any JSON parsing. Comparison is constant time.
func Verify(payload []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return domain.ErrMissingSignature
	}

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(supplied, expected) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex-encoded HMAC-SHA256 signature for payload. Used by
// tests and local tooling to produce valid deliveries.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
