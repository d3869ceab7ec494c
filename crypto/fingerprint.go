package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is the sha256 hex of key material, used to identify keys
// without ever exposing them
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// Checksum is the sha256 hex of a payload, carried inside the encrypted frame
// and re-verified after decryption
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
