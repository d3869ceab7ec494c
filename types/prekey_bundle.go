package types

// IdentityKeys holds a users long term key ids. The private halves live in
// the key store as wrapped EncryptionKey documents, never here.
type IdentityKeys struct {
	BaseDocument   `json:",inline"`
	UserID         string `json:"userId" validate:"required"`
	RegistrationID uint32 `json:"registrationId"`
	AgreementKeyID string `json:"agreementKeyId"`           // EncryptionKey id of the X25519 identity pair
	SigningKeyID   string `json:"signingKeyId"`             // EncryptionKey id of the Ed25519 signing pair
	IdentityKey    string `json:"identityKey"`              // base64 X25519 public key
	SigningKey     string `json:"signingKey"`               // base64 Ed25519 public key
	SignedPreKeyID string `json:"signedPreKeyId,omitempty"` // current signed prekey served in bundles
	Created        int64  `json:"created"`
}

// SignedPreKey as published in a bundle
type SignedPreKey struct {
	KeyID     string `json:"keyId" validate:"required"`
	PublicKey string `json:"publicKey" validate:"required,base64"`
	Signature string `json:"signature" validate:"required,base64"` // Ed25519 over the raw public key bytes
}

// OneTimePreKey as published in a bundle
type OneTimePreKey struct {
	KeyID     string `json:"keyId" validate:"required"`
	PublicKey string `json:"publicKey" validate:"required,base64"`
}

// PreKeyBundle is the public wire form a peer fetches to establish a session.
// PreKeys carries at most one entry when served (the popped one time prekey),
// the full pool when published.
type PreKeyBundle struct {
	UserID         string          `json:"userId" validate:"required"`
	RegistrationID uint32          `json:"registrationId"`
	IdentityKey    string          `json:"identityKey" validate:"required,base64"`
	SigningKey     string          `json:"signingKey" validate:"required,base64"`
	SignedPreKey   SignedPreKey    `json:"signedPreKey" validate:"required"`
	PreKeys        []OneTimePreKey `json:"preKeys,omitempty"`
}

// StoredSignedPreKey is the database record behind a published signed prekey.
// The private half is wrapped under the KEK like any other managed key.
type StoredSignedPreKey struct {
	BaseDocument   `json:",inline"`
	KeyID          string `json:"keyId"`
	UserID         string `json:"userId"`
	PublicKey      string `json:"publicKey"`
	WrappedPrivate string `json:"wrappedPrivate"`
	KekID          string `json:"kekId"`
	Signature      string `json:"signature"`
	Created        int64  `json:"created"`
	Retired        bool   `json:"retired"` // replaced by a newer signed prekey
}

// StoredOneTimePreKey is consumed at most once. Used flips atomically on a
// bundle fetch and a used key is never served again.
type StoredOneTimePreKey struct {
	BaseDocument   `json:",inline"`
	KeyID          string `json:"keyId"`
	UserID         string `json:"userId"`
	PublicKey      string `json:"publicKey"`
	WrappedPrivate string `json:"wrappedPrivate"`
	KekID          string `json:"kekId"`
	Used           bool   `json:"used"`
	UsedBy         string `json:"usedBy,omitempty"`
	Created        int64  `json:"created"`
}

// PreKeyPublication wraps the signed cbor payload of a published bundle so
// peers can verify it independently of transport
type PreKeyPublication struct {
	BaseDocument      `json:",inline"`
	UserID            string `json:"userId"`
	CborPayloadBase64 string `json:"cborPayloadBase64"` // bundle content in cbor format
	SignatureBase64   string `json:"signatureBase64"`   // Ed25519 signature of the cbor payload
	Created           int64  `json:"created"`
}
