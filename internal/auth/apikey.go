// Package auth guards the MCP endpoint with pre-shared API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const (
	// APIKeyPrefix marks chat-sync API keys.
	APIKeyPrefix = "cs_"
	// APIKeyMinLen is the prefix plus 128 bits of hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is a configured key and the name it authenticates as.
type APIKey struct {
	Name string
	Key  string
}

type keyEntry struct {
	name string
	sum  [sha256.Size]byte
}

// Keys validates bearer API keys. Only digests are kept in memory.
type Keys struct {
	entries []keyEntry
}

// NewKeys builds a validator for the given keys.
func NewKeys(keys []APIKey) *Keys {
	k := &Keys{entries: make([]keyEntry, 0, len(keys))}
	for _, ak := range keys {
		k.entries = append(k.entries, keyEntry{name: ak.Name, sum: sha256.Sum256([]byte(ak.Key))})
	}

	return k
}

// Len returns the number of configured keys.
func (k *Keys) Len() int {
	return len(k.entries)
}

// Validate returns the name of the key matching token. Every entry is
// compared in constant time, so timing does not reveal which one matched.
func (k *Keys) Validate(token string) (string, bool) {
	sum := sha256.Sum256([]byte(token))

	var name string

	found := 0
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(sum[:], e.sum[:]) == 1 {
			name = e.name
			found = 1
		}
	}

	return name, found == 1
}

// GenerateAPIKey returns a new random key with the chat-sync prefix.
func GenerateAPIKey() (string, error) {
	b := make([]byte, (APIKeyMinLen-len(APIKeyPrefix))/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}
