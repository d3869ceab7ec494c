package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/parley-chat/go-parley-e2ee/types"
)

const x3dhInfo = "parley-x3dh-v1"

// VerifySignedPreKey checks the Ed25519 signature over the raw signed prekey
// public bytes. Establishment must not proceed past a failed check.
func VerifySignedPreKey(signingKey ed25519.PublicKey, signedPreKeyPub []byte, signature []byte) error {
	if len(signingKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return types.ErrPreKeySignature
	}
	if !ed25519.Verify(signingKey, signedPreKeyPub, signature) {
		return types.ErrPreKeySignature
	}
	return nil
}

// InitiatorSecret runs the sending side of the X3DH key agreement:
//
//	DH1 = DH(IK_a, SPK_b)
//	DH2 = DH(EK_a, IK_b)
//	DH3 = DH(EK_a, SPK_b)
//	DH4 = DH(EK_a, OPK_b)   only when a one time prekey was served
//
// The concatenated outputs feed HKDF-SHA256 into the 32 byte session root.
func InitiatorSecret(identityPriv, ephemeralPriv, peerIdentityPub, peerSignedPreKeyPub, peerOneTimePreKeyPub []byte) ([]byte, error) {
	dh1, err := DH(identityPriv, peerSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	dh2, err := DH(ephemeralPriv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	dh3, err := DH(ephemeralPriv, peerSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	combined := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if len(peerOneTimePreKeyPub) > 0 {
		dh4, err := DH(ephemeralPriv, peerOneTimePreKeyPub)
		if err != nil {
			return nil, err
		}
		combined = append(combined, dh4...)
	}
	return deriveRoot(combined)
}

// ResponderSecret mirrors InitiatorSecret with the local private halves of
// the advertised prekeys. oneTimePreKeyPriv is nil when no one time prekey
// was consumed.
func ResponderSecret(identityPriv, signedPreKeyPriv, oneTimePreKeyPriv, peerIdentityPub, peerEphemeralPub []byte) ([]byte, error) {
	dh1, err := DH(signedPreKeyPriv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := DH(identityPriv, peerEphemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := DH(signedPreKeyPriv, peerEphemeralPub)
	if err != nil {
		return nil, err
	}
	combined := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if len(oneTimePreKeyPriv) > 0 {
		dh4, err := DH(oneTimePreKeyPriv, peerEphemeralPub)
		if err != nil {
			return nil, err
		}
		combined = append(combined, dh4...)
	}
	return deriveRoot(combined)
}

func deriveRoot(combined []byte) ([]byte, error) {
	defer Zero(combined)
	kdf := hkdf.New(sha256.New, combined, nil, []byte(x3dhInfo))
	root := make([]byte, 32)
	if _, err := io.ReadFull(kdf, root); err != nil {
		return nil, err
	}
	return root, nil
}
