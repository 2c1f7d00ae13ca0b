// Package idgen provides ID generation for persisted records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Record prefixes. Every durable record is keyed by prefix + random suffix so
// IDs are self-describing in logs and support tickets.
const (
	PrefixJob         = "job_"
	PrefixApplication = "app_"
	PrefixBooking     = "bk_"
	PrefixTransaction = "wtx_"
	PrefixWithdrawal  = "wdr_"
	PrefixRule        = "arr_"
	PrefixReleaseLog  = "arl_"
	PrefixSweep       = "swp_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "bk_", "job_").
// Result is prefix + 32 hex chars of a UUIDv4 with the dashes removed.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
