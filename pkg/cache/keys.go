package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// Key derives the canonical cache key for a request identity: the identity
// is serialized, canonicalized per RFC 8785 and hashed, so logically equal
// requests map to the same key regardless of field order at the call site.
func Key(namespace string, identity any) (string, error) {
	raw, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("marshal cache identity: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache identity: %w", err)
	}
	sum := blake2b.Sum256(canon)
	return namespace + ":" + hex.EncodeToString(sum[:]), nil
}

// MustKey is Key for identities known to serialize, typically literals.
func MustKey(namespace string, identity any) string {
	k, err := Key(namespace, identity)
	if err != nil {
		panic(err)
	}
	return k
}
