package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateX25519 returns a fresh key agreement pair. The private key is
// clamped per the curve25519 convention.
func GenerateX25519() (priv []byte, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// X25519PublicKey derives the public key for a private scalar
func X25519PublicKey(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// DH computes the shared secret between a private scalar and a peer public
// key. Low order peer points fail rather than yielding an all zero secret.
func DH(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize || len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("invalid x25519 key length")
	}
	return curve25519.X25519(priv, peerPub)
}
