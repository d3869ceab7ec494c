package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const ratchetInfo = "parley-ratchet-v1"

// AdvanceChain derives the next ratchet state from the current root key.
// Returns the new root and the message key for exactly one envelope. HKDF
// only runs forward, there is no way back to a previous root from here.
func AdvanceChain(rootKey []byte) (newRoot []byte, messageKey []byte, err error) {
	kdf := hkdf.New(sha256.New, rootKey, nil, []byte(ratchetInfo))
	out := make([]byte, 64)
	if _, err = io.ReadFull(kdf, out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// Zero overwrites key material in place
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
