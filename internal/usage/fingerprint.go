package usage

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprint derives the stable one-way identifier spec.md §6 requires for
// persisted key references — raw key material is never written to disk.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
