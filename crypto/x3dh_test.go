package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/parley-chat/go-parley-e2ee/types"
	"github.com/stretchr/testify/assert"
)

type x3dhParty struct {
	identityPriv, identityPub           []byte
	signedPreKeyPriv, signedPreKeyPub   []byte
	oneTimePreKeyPriv, oneTimePreKeyPub []byte
	signingPub                          ed25519.PublicKey
	signingPriv                         ed25519.PrivateKey
	spkSignature                        []byte
}

func newX3dhParty(t *testing.T) *x3dhParty {
	p := &x3dhParty{}
	var err error
	p.identityPriv, p.identityPub, err = GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	p.signedPreKeyPriv, p.signedPreKeyPub, err = GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	p.oneTimePreKeyPriv, p.oneTimePreKeyPub, err = GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	p.signingPub, p.signingPriv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	p.spkSignature = ed25519.Sign(p.signingPriv, p.signedPreKeyPub)
	return p
}

func TestX3dhAgreementWithOneTimePreKey(t *testing.T) {
	alice := newX3dhParty(t)
	bob := newX3dhParty(t)

	ephemeralPriv, ephemeralPub, err := GenerateX25519()
	assert.NoError(t, err)

	vErr := VerifySignedPreKey(bob.signingPub, bob.signedPreKeyPub, bob.spkSignature)
	assert.NoError(t, vErr)

	aliceSecret, aErr := InitiatorSecret(alice.identityPriv, ephemeralPriv, bob.identityPub, bob.signedPreKeyPub, bob.oneTimePreKeyPub)
	assert.NoError(t, aErr)

	bobSecret, bErr := ResponderSecret(bob.identityPriv, bob.signedPreKeyPriv, bob.oneTimePreKeyPriv, alice.identityPub, ephemeralPub)
	assert.NoError(t, bErr)

	assert.Equal(t, aliceSecret, bobSecret)
	assert.Len(t, aliceSecret, 32)
}

func TestX3dhAgreementWithoutOneTimePreKey(t *testing.T) {
	alice := newX3dhParty(t)
	bob := newX3dhParty(t)

	ephemeralPriv, ephemeralPub, err := GenerateX25519()
	assert.NoError(t, err)

	aliceSecret, aErr := InitiatorSecret(alice.identityPriv, ephemeralPriv, bob.identityPub, bob.signedPreKeyPub, nil)
	assert.NoError(t, aErr)

	bobSecret, bErr := ResponderSecret(bob.identityPriv, bob.signedPreKeyPriv, nil, alice.identityPub, ephemeralPub)
	assert.NoError(t, bErr)

	assert.Equal(t, aliceSecret, bobSecret)
}

func TestX3dhOneTimePreKeyChangesSecret(t *testing.T) {
	alice := newX3dhParty(t)
	bob := newX3dhParty(t)

	ephemeralPriv, _, err := GenerateX25519()
	assert.NoError(t, err)

	withOpk, _ := InitiatorSecret(alice.identityPriv, ephemeralPriv, bob.identityPub, bob.signedPreKeyPub, bob.oneTimePreKeyPub)
	withoutOpk, _ := InitiatorSecret(alice.identityPriv, ephemeralPriv, bob.identityPub, bob.signedPreKeyPub, nil)

	assert.NotEqual(t, withOpk, withoutOpk)
}

func TestVerifySignedPreKeyRejectsForgedSignature(t *testing.T) {
	bob := newX3dhParty(t)
	mallory := newX3dhParty(t)

	// signature from the wrong signing key
	forged := ed25519.Sign(mallory.signingPriv, bob.signedPreKeyPub)
	err := VerifySignedPreKey(bob.signingPub, bob.signedPreKeyPub, forged)
	assert.True(t, errors.Is(err, types.ErrPreKeySignature))

	// flipped bit in a valid signature
	bad := append([]byte{}, bob.spkSignature...)
	bad[0] ^= 0x01
	err = VerifySignedPreKey(bob.signingPub, bob.signedPreKeyPub, bad)
	assert.True(t, errors.Is(err, types.ErrPreKeySignature))
}

func TestVerifySignedPreKeyRejectsSubstitutedKey(t *testing.T) {
	bob := newX3dhParty(t)

	_, otherPub, err := GenerateX25519()
	assert.NoError(t, err)

	vErr := VerifySignedPreKey(bob.signingPub, otherPub, bob.spkSignature)
	assert.True(t, errors.Is(vErr, types.ErrPreKeySignature))
}
