package crypto

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/parley-chat/go-parley-e2ee/types"
	"github.com/stretchr/testify/assert"
)

var aeadAlgorithms = []string{
	types.CipherAlgorithmAES256GCM,
	types.CipherAlgorithmChaCha20Poly1305,
}

func TestSealOpenRoundtrip(t *testing.T) {
	for _, algorithm := range aeadAlgorithms {
		key := make([]byte, KeySize)
		_, _ = rand.Read(key)
		nonce, err := GenerateNonce()
		assert.NoError(t, err)

		plaintext := []byte("the quick brown fox")
		aad := []byte("sender|recipient|42")

		ciphertext, tag, sErr := Seal(algorithm, key, nonce, plaintext, aad)
		assert.NoError(t, sErr, algorithm)
		assert.Len(t, tag, TagSize)
		assert.NotContains(t, string(ciphertext), "quick brown")

		opened, oErr := Open(algorithm, key, nonce, ciphertext, tag, aad)
		assert.NoError(t, oErr, algorithm)
		assert.Equal(t, plaintext, opened)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	for _, algorithm := range aeadAlgorithms {
		key := make([]byte, KeySize)
		_, _ = rand.Read(key)
		nonce, _ := GenerateNonce()
		aad := []byte("routing")

		ciphertext, tag, _ := Seal(algorithm, key, nonce, []byte("payload to protect"), aad)

		// flipped ciphertext bit
		badCt := append([]byte{}, ciphertext...)
		badCt[0] ^= 0x01
		_, err := Open(algorithm, key, nonce, badCt, tag, aad)
		assert.True(t, errors.Is(err, types.ErrIntegrity), algorithm)

		// flipped tag bit
		badTag := append([]byte{}, tag...)
		badTag[TagSize-1] ^= 0x80
		_, err = Open(algorithm, key, nonce, ciphertext, badTag, aad)
		assert.True(t, errors.Is(err, types.ErrIntegrity), algorithm)

		// changed additional data, simulates rerouted envelope
		_, err = Open(algorithm, key, nonce, ciphertext, tag, []byte("rerouted"))
		assert.True(t, errors.Is(err, types.ErrIntegrity), algorithm)

		// wrong key
		otherKey := make([]byte, KeySize)
		_, _ = rand.Read(otherKey)
		_, err = Open(algorithm, otherKey, nonce, ciphertext, tag, aad)
		assert.True(t, errors.Is(err, types.ErrIntegrity), algorithm)
	}
}

func TestNewAEADUnsupportedAlgorithm(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := NewAEAD("des-ecb", key)
	assert.True(t, errors.Is(err, types.ErrUnsupportedAlgorithm))

	_, err = NewAEAD(types.CipherAlgorithmAES256GCM, make([]byte, 16))
	assert.True(t, errors.Is(err, types.ErrUnsupportedAlgorithm))
}

func TestGenerateNonceUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		nonce, err := GenerateNonce()
		assert.NoError(t, err)
		assert.Len(t, nonce, NonceSize)
		assert.False(t, seen[string(nonce)])
		seen[string(nonce)] = true
	}
}
