package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain prefixes for content-addressed keys.
// Version suffix enables future algorithm migration.
const (
	DomainEngagement = "subathon/engagement/v1"
	DomainTrace      = "subathon/trace/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EngagementKey computes the secondary dedup signature for sub-like events.
// Platforms fire several distinct event IDs for one logical subscription; the
// key collapses them to (run, kind, user, tier). User names compare case-insensitively.
func EngagementKey(runID string, kind EventKind, user, tier string) (string, error) {
	obj := map[string]any{
		"run":  runID,
		"kind": string(kind),
		"user": strings.ToLower(strings.TrimSpace(user)),
		"tier": strings.TrimSpace(tier),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EngagementKey: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainEngagement, canonical), nil
}

// TraceHash fingerprints a canonical trace document.
func TraceHash(trace []byte) string {
	return hashWithDomain(DomainTrace, trace)
}

// MustEngagementKey is like EngagementKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEngagementKey(runID string, kind EventKind, user, tier string) string {
	key, err := EngagementKey(runID, kind, user, tier)
	if err != nil {
		panic(err)
	}
	return key
}
