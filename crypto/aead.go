package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/parley-chat/go-parley-e2ee/types"
)

const (
	// NonceSize is the 96 bit nonce both supported ciphers use
	NonceSize = 12
	// TagSize is the detached authentication tag length
	TagSize = 16
	// KeySize for both supported ciphers
	KeySize = 32
)

// NewAEAD builds the cipher for a wire algorithm identifier
func NewAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", types.ErrUnsupportedAlgorithm, KeySize)
	}
	switch algorithm {
	case types.CipherAlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case types.CipherAlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedAlgorithm, algorithm)
}

// GenerateNonce returns a fresh random 96 bit nonce. Never reused with the
// same key, every seal draws a new one.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Seal encrypts plaintext and returns ciphertext and authentication tag
// separately, matching the envelope wire layout
func Seal(algorithm string, key, nonce, plaintext, aad []byte) (ciphertext []byte, tag []byte, err error) {
	aead, err := NewAEAD(algorithm, key)
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, nil, fmt.Errorf("%w: bad nonce length", types.ErrProtocol)
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

// Open authenticates and decrypts a detached tag ciphertext. A failed tag
// check returns ErrIntegrity and no partial plaintext.
func Open(algorithm string, key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, err := NewAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad nonce or tag length", types.ErrProtocol)
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, openErr := aead.Open(nil, nonce, sealed, aad)
	if openErr != nil {
		return nil, types.ErrIntegrity
	}
	return plaintext, nil
}
