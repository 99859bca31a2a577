// Package idempotency enforces at-most-once processing of object records.
//
// Identity is derived from the object key plus a mutation token, claimed via
// a single conditional write against a key-value store. The guard never
// sweeps expired claims; the store's TTL mechanism owns record expiry.
package idempotency

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/url"
)

// identity is the canonical JSON shape hashed into the idempotency key.
// Field order is fixed by the struct declaration, so encoding/json produces
// a stable byte sequence for a given (k, u) pair.
type identity struct {
	K string `json:"k"`
	U string `json:"u"`
}

// Key derives the deterministic idempotency key for an object record.
//
// The container is deliberately excluded: the same object content landing in
// different containers de-duplicates once. The mutation token is the version
// token when the source container is versioned, otherwise the notification
// sequencer; either way the key changes whenever the object changes, so a
// genuine re-upload is never suppressed.
//
// The canonical JSON is percent-escaped so the key is safe to use verbatim
// as a store partition key regardless of the characters in the object key.
func Key(originalKey, versionToken, sequenceToken string) string {
	token := versionToken
	if token == "" {
		token = sequenceToken
	}
	// Marshal of a flat two-string struct cannot fail.
	raw, _ := json.Marshal(identity{K: originalKey, U: token})
	return url.QueryEscape(string(raw))
}

// ShardPrefix returns a short hex hash of the logical key, used to spread
// writes for hot object keys across store partitions. The prefix is
// deterministic, so it never changes the at-most-once property.
func ShardPrefix(logicalKey string) string {
	sum := sha1.Sum([]byte(logicalKey))
	return hex.EncodeToString(sum[:])[:4]
}
