package crypto

import (
	"fmt"

	"github.com/parley-chat/go-parley-e2ee/types"
)

// PaddingBlockSize pads plaintext frames so ciphertext length leaks less
// about the payload
const PaddingBlockSize = 16

// Pad appends PKCS#7 style padding up to the next block boundary. Always adds
// at least one byte so Unpad never guesses.
func Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// Unpad strips and verifies the padding. Runs after the AEAD tag check, so a
// failure here means a broken peer rather than tampering.
func Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length", types.ErrProtocol)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: bad padding length", types.ErrProtocol)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: inconsistent padding", types.ErrProtocol)
		}
	}
	return data[:len(data)-padLen], nil
}
