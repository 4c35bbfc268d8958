package voucher

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature digests the content of a message. Two renders of the same
// message produce the same signature even when the feed gives them
// different ids.
func Signature(timestamp, sender, rawText, primaryRef, secondaryRef string) string {
	joined := strings.Join([]string{timestamp, sender, rawText, primaryRef, secondaryRef}, "\x1f")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
