package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/argon2"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// KekProvider wraps and unwraps data key material under a key encryption key
// the engine never sees in the clear. Unwrap resolves by the kek id recorded
// on the stored key, so the KEK rotates independently of the data keys.
type KekProvider interface {
	CurrentKekID() string
	Wrap(ctx context.Context, material []byte) (wrapped string, kekID string, err error)
	Unwrap(ctx context.Context, kekID string, wrapped string) ([]byte, error)
}

// NewKekProviderFromConfig picks the provider the configuration names
func NewKekProviderFromConfig(conf *global.Config) (KekProvider, error) {
	switch conf.Kek.Provider {
	case "", "local":
		return NewLocalKekProvider(conf.Kek.Local.SecretHex, conf.Kek.Local.SaltHex)
	case "kms":
		return NewKmsKekProvider(conf.Kek.Kms), nil
	}
	return nil, fmt.Errorf("unknown kek provider %q", conf.Kek.Provider)
}

// LocalKekProvider derives the KEK from a configured secret with argon2id.
// Wrapped blobs are base64(nonce || ciphertext) under AES-256-GCM, the kek id
// is bound to the derived key so a changed secret stops unwrapping loudly
// instead of yielding garbage.
type LocalKekProvider struct {
	keks      map[string][]byte
	currentID string
}

func NewLocalKekProvider(secretHex string, saltHex string) (*LocalKekProvider, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil || len(secret) == 0 {
		return nil, fmt.Errorf("invalid kek secret: %w", types.ErrBadRequest)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) < 8 {
		return nil, fmt.Errorf("invalid kek salt: %w", types.ErrBadRequest)
	}

	kek := argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
	kekID := "local-" + crypto.Fingerprint(kek)[:12]

	return &LocalKekProvider{
		keks:      map[string][]byte{kekID: kek},
		currentID: kekID,
	}, nil
}

// AddRetiredKek registers a previous KEK for unwrap only, used while old
// wrapped material is still being rewrapped after a KEK rotation
func (l *LocalKekProvider) AddRetiredKek(secretHex string, saltHex string) error {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return err
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return err
	}
	kek := argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
	l.keks["local-"+crypto.Fingerprint(kek)[:12]] = kek
	return nil
}

func (l *LocalKekProvider) CurrentKekID() string {
	return l.currentID
}

func (l *LocalKekProvider) Wrap(ctx context.Context, material []byte) (string, string, error) {
	aead, err := kekAead(l.keks[l.currentID])
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", err
	}
	blob := aead.Seal(nonce, nonce, material, []byte(l.currentID))
	return base64.StdEncoding.EncodeToString(blob), l.currentID, nil
}

func (l *LocalKekProvider) Unwrap(ctx context.Context, kekID string, wrapped string) ([]byte, error) {
	kek, ok := l.keks[kekID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kek %s", types.ErrKeyUnwrap, kekID)
	}
	aead, err := kekAead(kek)
	if err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil || len(blob) < aead.NonceSize()+16 {
		return nil, types.ErrKeyUnwrap
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	material, openErr := aead.Open(nil, nonce, ciphertext, []byte(kekID))
	if openErr != nil {
		return nil, types.ErrKeyUnwrap
	}
	return material, nil
}

func kekAead(kek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// KmsKekProvider calls out to a remote wrap/unwrap endpoint. The KEK itself
// never leaves the KMS.
type KmsKekProvider struct {
	client *resty.Client
	keyID  string
}

type kmsWrapRequest struct {
	KeyID           string `json:"keyId"`
	PlaintextBase64 string `json:"plaintextBase64"`
}

type kmsWrapResponse struct {
	KeyID         string `json:"keyId"`
	WrappedBase64 string `json:"wrappedBase64"`
}

type kmsUnwrapRequest struct {
	KeyID         string `json:"keyId"`
	WrappedBase64 string `json:"wrappedBase64"`
}

type kmsUnwrapResponse struct {
	PlaintextBase64 string `json:"plaintextBase64"`
}

type kmsErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewKmsKekProvider(conf global.KmsKekConfig) *KmsKekProvider {
	timeout := time.Second * 10
	if conf.TimeoutSeconds > 0 {
		timeout = time.Duration(conf.TimeoutSeconds) * time.Second
	}
	cl := resty.New().SetBaseURL(conf.Endpoint).SetTimeout(timeout)
	cl.SetHeader("Content-Type", "application/json")
	if conf.ApiKey != "" {
		cl.SetHeader("X-Api-Key", conf.ApiKey)
	}
	return &KmsKekProvider{client: cl, keyID: conf.KeyID}
}

func (k *KmsKekProvider) CurrentKekID() string {
	return k.keyID
}

func (k *KmsKekProvider) Wrap(ctx context.Context, material []byte) (string, string, error) {
	var result kmsWrapResponse
	var kmsErr kmsErrorResponse

	resp, err := k.client.R().SetContext(ctx).
		SetBody(&kmsWrapRequest{KeyID: k.keyID, PlaintextBase64: base64.StdEncoding.EncodeToString(material)}).
		SetResult(&result).SetError(&kmsErr).
		Post("/v1/wrap")
	if err != nil {
		return "", "", fmt.Errorf("kms wrap: %w", err)
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("kms wrap failed with status %d: %s", resp.StatusCode(), kmsErr.Error)
	}
	kekID := result.KeyID
	if kekID == "" {
		kekID = k.keyID
	}
	return result.WrappedBase64, kekID, nil
}

func (k *KmsKekProvider) Unwrap(ctx context.Context, kekID string, wrapped string) ([]byte, error) {
	var result kmsUnwrapResponse
	var kmsErr kmsErrorResponse

	resp, err := k.client.R().SetContext(ctx).
		SetBody(&kmsUnwrapRequest{KeyID: kekID, WrappedBase64: wrapped}).
		SetResult(&result).SetError(&kmsErr).
		Post("/v1/unwrap")
	if err != nil {
		return nil, fmt.Errorf("kms unwrap: %w", err)
	}
	if resp.IsError() {
		// the KMS rejected the blob or the key id, not a transient failure
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			return nil, fmt.Errorf("%w: kms status %d", types.ErrKeyUnwrap, resp.StatusCode())
		}
		return nil, fmt.Errorf("kms unwrap failed with status %d: %s", resp.StatusCode(), kmsErr.Error)
	}
	material, dErr := base64.StdEncoding.DecodeString(result.PlaintextBase64)
	if dErr != nil {
		return nil, types.ErrKeyUnwrap
	}
	return material, nil
}
