package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

const opkPopAttempts = 3

// PreKeyService owns identity key material and the prekey pool. Private
// halves are held as wrapped key manager documents, bundles serve only
// public material.
type PreKeyService struct {
	identityRepo repository.Repository
	spkRepo      repository.Repository
	opkRepo      repository.Repository
	keyService   *KeyManagerService
	audit        AuditEmitter
}

func NewPreKeyService(dbSelector repository.DBSelector, keyService *KeyManagerService, audit AuditEmitter) *PreKeyService {
	identityRepo, iErr := dbSelector.ChooseDB(repository.IdentityKeys)
	spkRepo, sErr := dbSelector.ChooseDB(repository.SignedPreKeys)
	opkRepo, oErr := dbSelector.ChooseDB(repository.OneTimePreKeys)
	if iErr != nil || sErr != nil || oErr != nil {
		panic("failed to choose prekey databases")
	}
	return &PreKeyService{
		identityRepo: identityRepo,
		spkRepo:      spkRepo,
		opkRepo:      opkRepo,
		keyService:   keyService,
		audit:        audit,
	}
}

// GenerateIdentity provisions a user from scratch: X25519 identity pair,
// Ed25519 signing pair, an initial signed prekey and a full one time prekey
// pool. Fails with conflict when the user already has an identity.
func (ps *PreKeyService) GenerateIdentity(ctx context.Context, userID string) (*types.IdentityKeys, error) {
	if _, err := ps.GetIdentity(ctx, userID); err == nil {
		return nil, fmt.Errorf("%w: identity for %s already exists", types.ErrConflict, userID)
	}

	agreementKey, err := ps.keyService.GenerateKey(ctx, GenerateKeyInput{
		Purpose:   types.KeyPurposeAgreement,
		Algorithm: types.KeyAlgorithmX25519,
		Owner:     userID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := ps.keyService.ActivateKey(ctx, agreementKey.KeyID); err != nil {
		return nil, err
	}

	signingKey, err := ps.keyService.GenerateKey(ctx, GenerateKeyInput{
		Purpose:   types.KeyPurposeSigning,
		Algorithm: types.KeyAlgorithmEd25519,
		Owner:     userID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := ps.keyService.ActivateKey(ctx, signingKey.KeyID); err != nil {
		return nil, err
	}

	var regBytes [4]byte
	if _, err := rand.Read(regBytes[:]); err != nil {
		return nil, err
	}

	identity := &types.IdentityKeys{
		UserID:         userID,
		RegistrationID: binary.BigEndian.Uint32(regBytes[:])%16383 + 1,
		AgreementKeyID: agreementKey.KeyID,
		SigningKeyID:   signingKey.KeyID,
		IdentityKey:    agreementKey.PublicMaterial,
		SigningKey:     signingKey.PublicMaterial,
		Created:        time.Now().UTC().UnixMilli(),
	}
	if err := ps.identityRepo.Save(ctx, userID, identity); err != nil {
		return nil, err
	}

	if _, err := ps.RotateSignedPreKey(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := ps.GenerateOneTimePreKeys(ctx, userID, global.Conf.PreKeyPoolSizeOrDefault()); err != nil {
		return nil, err
	}
	return ps.GetIdentity(ctx, userID)
}

// GetIdentity loads the identity document for a user
func (ps *PreKeyService) GetIdentity(ctx context.Context, userID string) (*types.IdentityKeys, error) {
	response, err := ps.identityRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	var identity types.IdentityKeys
	if mErr := repository.MapToObject(response, &identity); mErr != nil {
		return nil, mErr
	}
	return &identity, nil
}

// RotateSignedPreKey generates a fresh signed prekey, signs it with the users
// Ed25519 identity and retires the previous one. Retired signed prekeys stay
// around because in flight session offers may still reference them.
func (ps *PreKeyService) RotateSignedPreKey(ctx context.Context, userID string) (*types.StoredSignedPreKey, error) {
	identity, err := ps.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}

	signingDoc, err := ps.keyService.GetKey(ctx, identity.SigningKeyID)
	if err != nil {
		return nil, err
	}
	signingPriv, err := ps.keyService.UnwrapMaterial(ctx, signingDoc)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(signingPriv)

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(priv)
	signature := ed25519.Sign(ed25519.PrivateKey(signingPriv), pub)

	wrapped, kekID, err := ps.keyService.WrapMaterial(ctx, priv)
	if err != nil {
		return nil, err
	}
	stored := &types.StoredSignedPreKey{
		KeyID:          uuid.NewString(),
		UserID:         userID,
		PublicKey:      base64.StdEncoding.EncodeToString(pub),
		WrappedPrivate: wrapped,
		KekID:          kekID,
		Signature:      base64.StdEncoding.EncodeToString(signature),
		Created:        time.Now().UTC().UnixMilli(),
	}
	if err := ps.spkRepo.Save(ctx, stored.KeyID, stored); err != nil {
		return nil, err
	}

	if identity.SignedPreKeyID != "" {
		previous, pErr := ps.getSignedPreKey(ctx, identity.SignedPreKeyID)
		if pErr == nil {
			previous.Retired = true
			if uErr := ps.spkRepo.Update(ctx, previous.KeyID, previous); uErr != nil {
				return nil, uErr
			}
		}
	}

	identity.SignedPreKeyID = stored.KeyID
	if err := ps.identityRepo.Update(ctx, identity.UserID, identity); err != nil {
		return nil, err
	}
	return stored, nil
}

func (ps *PreKeyService) getSignedPreKey(ctx context.Context, keyID string) (*types.StoredSignedPreKey, error) {
	response, err := ps.spkRepo.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	var stored types.StoredSignedPreKey
	if mErr := repository.MapToObject(response, &stored); mErr != nil {
		return nil, mErr
	}
	return &stored, nil
}

// GenerateOneTimePreKeys adds count fresh one time prekeys to the users pool
// and returns their public halves
func (ps *PreKeyService) GenerateOneTimePreKeys(ctx context.Context, userID string, count int) ([]types.OneTimePreKey, error) {
	publics := make([]types.OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		wrapped, kekID, err := ps.keyService.WrapMaterial(ctx, priv)
		crypto.Zero(priv)
		if err != nil {
			return nil, err
		}
		stored := &types.StoredOneTimePreKey{
			KeyID:          uuid.NewString(),
			UserID:         userID,
			PublicKey:      base64.StdEncoding.EncodeToString(pub),
			WrappedPrivate: wrapped,
			KekID:          kekID,
			Created:        time.Now().UTC().UnixMilli(),
		}
		if err := ps.opkRepo.Save(ctx, stored.KeyID, stored); err != nil {
			return nil, err
		}
		publics = append(publics, types.OneTimePreKey{KeyID: stored.KeyID, PublicKey: stored.PublicKey})
	}
	return publics, nil
}

// prekeyPoolView is the reduced row shape of the unused prekey view
type prekeyPoolView struct {
	Rows []struct {
		Key   string `json:"key"`
		Value int64  `json:"value"`
	} `json:"rows"`
}

// prekeyListView is the unreduced row shape with the documents included
type prekeyListView struct {
	TotalRows int64 `json:"total_rows"`
	Offset    int64 `json:"offset"`
	Rows      []struct {
		ID    string                     `json:"id"`
		Key   string                     `json:"key"`
		Value string                     `json:"value"`
		Doc   *types.StoredOneTimePreKey `json:"doc,omitempty"`
	} `json:"rows"`
}

// CountUnusedPreKeys returns the remaining pool size for a user
func (ps *PreKeyService) CountUnusedPreKeys(ctx context.Context, userID string) (int64, error) {
	query := fmt.Sprintf("_design/prekey/_view/unused?key=%s&reduce=true&group=true", url.QueryEscape(`"`+userID+`"`))
	response, err := ps.opkRepo.GetByID(ctx, query)
	if err != nil {
		return 0, err
	}
	var pool prekeyPoolView
	if mErr := repository.MapToObject(response, &pool); mErr != nil {
		return 0, mErr
	}
	if len(pool.Rows) == 0 {
		return 0, nil
	}
	return pool.Rows[0].Value, nil
}

// popOneTimePreKey atomically claims one unused prekey for a consumer. The
// update carries the documents _rev, so of two concurrent claims one loses
// with a conflict and moves on to the next candidate.
func (ps *PreKeyService) popOneTimePreKey(ctx context.Context, userID string, consumer string) (*types.StoredOneTimePreKey, error) {
	for attempt := 0; attempt < opkPopAttempts; attempt++ {
		query := fmt.Sprintf("_design/prekey/_view/unused?key=%s&reduce=false&limit=5&include_docs=true", url.QueryEscape(`"`+userID+`"`))
		response, err := ps.opkRepo.GetByID(ctx, query)
		if err != nil {
			return nil, err
		}
		var listing prekeyListView
		if mErr := repository.MapToObject(response, &listing); mErr != nil {
			return nil, mErr
		}
		if len(listing.Rows) == 0 {
			return nil, nil // pool drained, bundles are still served without an OPK
		}
		for _, row := range listing.Rows {
			candidate := row.Doc
			if candidate == nil || candidate.Used {
				continue
			}
			candidate.Used = true
			candidate.UsedBy = consumer
			if uErr := ps.opkRepo.Update(ctx, candidate.KeyID, candidate); uErr != nil {
				if errors.Is(uErr, types.ErrConflict) {
					continue // someone else claimed it first
				}
				return nil, uErr
			}
			return candidate, nil
		}
	}
	return nil, nil
}

// FetchBundle assembles the public bundle a peer needs to start a session
// with userID. The signed prekey signature is re-verified before serving and
// at most one one time prekey is consumed per fetch.
func (ps *PreKeyService) FetchBundle(ctx context.Context, userID string, consumer string) (*types.PreKeyBundle, error) {
	identity, err := ps.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if identity.SignedPreKeyID == "" {
		return nil, fmt.Errorf("%w: no signed prekey published for %s", types.ErrNotFound, userID)
	}
	spk, err := ps.getSignedPreKey(ctx, identity.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if err := verifyStoredSignedPreKey(identity, spk); err != nil {
		return nil, err
	}

	bundle := &types.PreKeyBundle{
		UserID:         identity.UserID,
		RegistrationID: identity.RegistrationID,
		IdentityKey:    identity.IdentityKey,
		SigningKey:     identity.SigningKey,
		SignedPreKey: types.SignedPreKey{
			KeyID:     spk.KeyID,
			PublicKey: spk.PublicKey,
			Signature: spk.Signature,
		},
	}

	opk, err := ps.popOneTimePreKey(ctx, userID, consumer)
	if err != nil {
		return nil, err
	}
	if opk != nil {
		bundle.PreKeys = []types.OneTimePreKey{{KeyID: opk.KeyID, PublicKey: opk.PublicKey}}
		event := NewAuditEvent(types.AuditPreKeyConsumed)
		event.KeyID = opk.KeyID
		event.Principal = consumer
		event.Detail = map[string]string{"userId": userID}
		ps.audit.Emit(event)
	}
	return bundle, nil
}

// ClaimOneTimePreKey loads and unwraps the private half of a consumed one
// time prekey for the responder side of the key agreement
func (ps *PreKeyService) ClaimOneTimePreKey(ctx context.Context, keyID string) ([]byte, error) {
	response, err := ps.opkRepo.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	var stored types.StoredOneTimePreKey
	if mErr := repository.MapToObject(response, &stored); mErr != nil {
		return nil, mErr
	}
	return ps.keyService.kek.Unwrap(ctx, stored.KekID, stored.WrappedPrivate)
}

// SignedPreKeyPrivate unwraps the private half of a signed prekey, retired
// ones included
func (ps *PreKeyService) SignedPreKeyPrivate(ctx context.Context, keyID string) ([]byte, error) {
	stored, err := ps.getSignedPreKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return ps.keyService.kek.Unwrap(ctx, stored.KekID, stored.WrappedPrivate)
}

// ReplenishPreKeys tops the pool back up to the configured size once it
// drops under the minimum
func (ps *PreKeyService) ReplenishPreKeys(ctx context.Context, userID string) error {
	count, err := ps.CountUnusedPreKeys(ctx, userID)
	if err != nil {
		return err
	}
	minimum := int64(global.Conf.PreKeyMinimumOrDefault())
	if count >= minimum {
		return nil
	}
	need := global.Conf.PreKeyPoolSizeOrDefault() - int(count)
	generated, err := ps.GenerateOneTimePreKeys(ctx, userID, need)
	if err != nil {
		return err
	}
	event := NewAuditEvent(types.AuditPreKeyReplenished)
	event.Detail = map[string]string{
		"userId":    userID,
		"generated": fmt.Sprintf("%d", len(generated)),
	}
	ps.audit.Emit(event)
	return nil
}

// ReplenishAll walks every identity and tops up pools under the minimum.
// Runs from cron.
func (ps *PreKeyService) ReplenishAll() {
	skip := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		docs, err := ps.identityRepo.GetAll(ctx, 100, skip)
		if err != nil {
			level.Error(global.Logger).Log("error", "failed to list identities for replenish", "err", err.Error())
			return
		}
		if len(docs) == 0 {
			return
		}
		for _, doc := range docs {
			var identity types.IdentityKeys
			if mErr := repository.MapToObject(doc, &identity); mErr != nil || identity.AgreementKeyID == "" {
				continue // publication documents share the database
			}
			if rErr := ps.ReplenishPreKeys(ctx, identity.UserID); rErr != nil {
				level.Error(global.Logger).Log("error", "failed to replenish prekeys", "userId", identity.UserID, "err", rErr.Error())
			}
		}
		skip += len(docs)
	}
}

// PublishBundle snapshots the users full public bundle, cbor encodes it and
// signs it with the Ed25519 identity so peers can verify it independently of
// whichever channel delivered it
func (ps *PreKeyService) PublishBundle(ctx context.Context, userID string) (*types.PreKeyPublication, error) {
	bundle, err := ps.fullPublicBundle(ctx, userID)
	if err != nil {
		return nil, err
	}
	payload, err := cbor.Marshal(bundle)
	if err != nil {
		return nil, err
	}

	identity, err := ps.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	signingDoc, err := ps.keyService.GetKey(ctx, identity.SigningKeyID)
	if err != nil {
		return nil, err
	}
	signingPriv, err := ps.keyService.UnwrapMaterial(ctx, signingDoc)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(signingPriv)
	signature := ed25519.Sign(ed25519.PrivateKey(signingPriv), payload)

	publication := &types.PreKeyPublication{
		UserID:            userID,
		CborPayloadBase64: base64.StdEncoding.EncodeToString(payload),
		SignatureBase64:   base64.StdEncoding.EncodeToString(signature),
		Created:           time.Now().UTC().UnixMilli(),
	}

	docID := "publication:" + userID
	existing, gErr := ps.identityRepo.GetByID(ctx, docID)
	if gErr == nil {
		var current types.PreKeyPublication
		if mErr := repository.MapToObject(existing, &current); mErr == nil {
			publication.UnderstoreID = current.UnderstoreID
			publication.UnderscoreRev = current.UnderscoreRev
			if err := ps.identityRepo.Update(ctx, docID, publication); err != nil {
				return nil, err
			}
			return publication, nil
		}
	}
	if err := ps.identityRepo.Save(ctx, docID, publication); err != nil {
		return nil, err
	}
	return publication, nil
}

// VerifyPublication checks the signature of a published bundle against the
// users stored signing key and decodes the payload
func (ps *PreKeyService) VerifyPublication(ctx context.Context, publication *types.PreKeyPublication) (*types.PreKeyBundle, error) {
	identity, err := ps.GetIdentity(ctx, publication.UserID)
	if err != nil {
		return nil, err
	}
	signingPub, err := base64.StdEncoding.DecodeString(identity.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signing key", types.ErrProtocol)
	}
	payload, err := base64.StdEncoding.DecodeString(publication.CborPayloadBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed publication payload", types.ErrProtocol)
	}
	signature, err := base64.StdEncoding.DecodeString(publication.SignatureBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed publication signature", types.ErrProtocol)
	}
	if !ed25519.Verify(ed25519.PublicKey(signingPub), payload, signature) {
		return nil, fmt.Errorf("%w: publication signature does not verify", types.ErrPreKeySignature)
	}
	var bundle types.PreKeyBundle
	if err := cbor.Unmarshal(payload, &bundle); err != nil {
		return nil, fmt.Errorf("%w: undecodable publication payload", types.ErrProtocol)
	}
	return &bundle, nil
}

// fullPublicBundle collects the identity, the current signed prekey and every
// unused one time prekey public
func (ps *PreKeyService) fullPublicBundle(ctx context.Context, userID string) (*types.PreKeyBundle, error) {
	identity, err := ps.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if identity.SignedPreKeyID == "" {
		return nil, fmt.Errorf("%w: no signed prekey published for %s", types.ErrNotFound, userID)
	}
	spk, err := ps.getSignedPreKey(ctx, identity.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if err := verifyStoredSignedPreKey(identity, spk); err != nil {
		return nil, err
	}

	bundle := &types.PreKeyBundle{
		UserID:         identity.UserID,
		RegistrationID: identity.RegistrationID,
		IdentityKey:    identity.IdentityKey,
		SigningKey:     identity.SigningKey,
		SignedPreKey: types.SignedPreKey{
			KeyID:     spk.KeyID,
			PublicKey: spk.PublicKey,
			Signature: spk.Signature,
		},
	}

	query := fmt.Sprintf("_design/prekey/_view/unused?key=%s&reduce=false&limit=%d&include_docs=true",
		url.QueryEscape(`"`+userID+`"`), global.Conf.PreKeyPoolSizeOrDefault())
	response, err := ps.opkRepo.GetByID(ctx, query)
	if err != nil {
		return nil, err
	}
	var listing prekeyListView
	if mErr := repository.MapToObject(response, &listing); mErr != nil {
		return nil, mErr
	}
	for _, row := range listing.Rows {
		if row.Doc == nil || row.Doc.Used {
			continue
		}
		bundle.PreKeys = append(bundle.PreKeys, types.OneTimePreKey{
			KeyID:     row.Doc.KeyID,
			PublicKey: row.Doc.PublicKey,
		})
	}
	return bundle, nil
}

// verifyStoredSignedPreKey guards against serving a corrupted or tampered
// signed prekey from the store
func verifyStoredSignedPreKey(identity *types.IdentityKeys, spk *types.StoredSignedPreKey) error {
	signingPub, err := base64.StdEncoding.DecodeString(identity.SigningKey)
	if err != nil {
		return fmt.Errorf("%w: malformed signing key", types.ErrProtocol)
	}
	spkPub, err := base64.StdEncoding.DecodeString(spk.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: malformed signed prekey", types.ErrProtocol)
	}
	signature, err := base64.StdEncoding.DecodeString(spk.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signed prekey signature", types.ErrProtocol)
	}
	return crypto.VerifySignedPreKey(ed25519.PublicKey(signingPub), spkPub, signature)
}
