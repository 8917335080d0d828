package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint hashes a rendered payload for change detection. Payloads
// are plain structs, so the JSON encoding is canonical: field order is
// fixed and list order is preserved, making the hash deterministic and
// sensitive to every rendered field.
func Fingerprint(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload structs contain only strings, ints, and slices; this
		// never happens for values the engine produces.
		return "unhashable:" + err.Error()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
