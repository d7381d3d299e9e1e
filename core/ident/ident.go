// Package ident mints the prefixed ULID identifiers and agent API keys used
// across the gateway. Identifiers are of the form "<prefix>_<ULID>" so that a
// row's table is recoverable from its id alone.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Prefixes for every persisted entity.
const (
	PrefixAccount         = "acc"
	PrefixAgent           = "agt"
	PrefixWallet          = "wal"
	PrefixPolicy          = "pol"
	PrefixService         = "svc"
	PrefixServicePricing  = "spr"
	PrefixInvoice         = "inv"
	PrefixTransaction     = "txn"
	PrefixAudit           = "aud"
	PrefixRateSnapshot    = "rts"
	PrefixSubmission      = "sub"
	PrefixCheckoutSession = "cks"
)

const apiKeyPrefix = "sk_agt_"

// New returns a fresh identifier for the supplied prefix.
func New(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// Prefix extracts the entity prefix from an identifier, or "" when the id is
// not in the expected shape.
func Prefix(id string) string {
	idx := strings.IndexByte(id, '_')
	if idx <= 0 {
		return ""
	}
	rest := id[idx+1:]
	if _, err := ulid.ParseStrict(rest); err != nil {
		return ""
	}
	return id[:idx]
}

// Valid reports whether id carries the expected prefix and a parseable ULID.
func Valid(id, prefix string) bool {
	return Prefix(id) == prefix
}

// NewAPIKey generates a raw agent credential of the form sk_agt_<64 hex>.
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

// KeyPrefix derives the fast-lookup prefix stored alongside the bcrypt hash:
// the first 16 hex characters of SHA-256 over the raw key.
func KeyPrefix(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])[:16]
}
