package services

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/types"
)

var validate = validator.New()

// SessionService runs the X3DH key agreement for both sides and hands the
// resulting ratchet root to the session store. The signed prekey signature is
// verified before any key material is combined, a bad signature aborts the
// whole establishment.
type SessionService struct {
	store      *SessionStoreService
	prekeys    *PreKeyService
	keyService *KeyManagerService
	audit      AuditEmitter
}

func NewSessionService(store *SessionStoreService, prekeys *PreKeyService, keyService *KeyManagerService, audit AuditEmitter) *SessionService {
	return &SessionService{
		store:      store,
		prekeys:    prekeys,
		keyService: keyService,
		audit:      audit,
	}
}

// Establish creates the initiator side of a session from a peers fetched
// bundle. Returns the session and the offer the peer needs to mirror it.
func (s *SessionService) Establish(ctx context.Context, initiatorID string, bundle *types.PreKeyBundle) (*types.Session, *types.SessionOffer, error) {
	if vErr := validate.Struct(bundle); vErr != nil {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrBadRequest, vErr.Error())
	}
	if bundle.UserID == initiatorID {
		return nil, nil, fmt.Errorf("%w: cannot establish a session with yourself", types.ErrBadRequest)
	}

	peerSigningPub, err := base64.StdEncoding.DecodeString(bundle.SigningKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed signing key", types.ErrProtocol)
	}
	peerIdentityPub, err := base64.StdEncoding.DecodeString(bundle.IdentityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed identity key", types.ErrProtocol)
	}
	spkPub, err := base64.StdEncoding.DecodeString(bundle.SignedPreKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed signed prekey", types.ErrProtocol)
	}
	spkSig, err := base64.StdEncoding.DecodeString(bundle.SignedPreKey.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed signed prekey signature", types.ErrProtocol)
	}

	// signature check comes first, nothing is derived from an unverified bundle
	if err := crypto.VerifySignedPreKey(ed25519.PublicKey(peerSigningPub), spkPub, spkSig); err != nil {
		return nil, nil, err
	}

	identity, err := s.prekeys.GetIdentity(ctx, initiatorID)
	if err != nil {
		return nil, nil, err
	}
	identityDoc, err := s.keyService.GetKey(ctx, identity.AgreementKeyID)
	if err != nil {
		return nil, nil, err
	}
	identityPriv, err := s.keyService.UnwrapMaterial(ctx, identityDoc)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(identityPriv)

	ephemeralPriv, ephemeralPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(ephemeralPriv)

	var opkPub []byte
	oneTimePreKeyID := ""
	if len(bundle.PreKeys) > 0 {
		opkPub, err = base64.StdEncoding.DecodeString(bundle.PreKeys[0].PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: malformed one time prekey", types.ErrProtocol)
		}
		oneTimePreKeyID = bundle.PreKeys[0].KeyID
	}

	secret, err := crypto.InitiatorSecret(identityPriv, ephemeralPriv, peerIdentityPub, spkPub, opkPub)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(secret)

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:       uuid.NewString(),
		OwnerID:         initiatorID,
		Participants:    sortedPair(initiatorID, bundle.UserID),
		PairKey:         types.PairKeyOf(initiatorID, bundle.UserID),
		Role:            types.SessionRoleInitiator,
		RootKey:         base64.StdEncoding.EncodeToString(secret),
		ChainKey:        base64.StdEncoding.EncodeToString(secret),
		EphemeralKey:    base64.StdEncoding.EncodeToString(ephemeralPub),
		PeerIdentityKey: bundle.IdentityKey,
		PeerSigningKey:  bundle.SigningKey,
		SignedPreKeyID:  bundle.SignedPreKey.KeyID,
		OneTimePreKeyID: oneTimePreKeyID,
		Created:         now.UnixMilli(),
		ExpiresAt:       now.Add(time.Duration(global.Conf.SessionTTLMinutesOrDefault()) * time.Minute).UnixMilli(),
	}

	if err := s.replaceActiveSession(ctx, session); err != nil {
		return nil, nil, err
	}

	offer := &types.SessionOffer{
		SessionID:       session.SessionID,
		InitiatorID:     initiatorID,
		RecipientID:     bundle.UserID,
		IdentityKey:     identity.IdentityKey,
		EphemeralKey:    session.EphemeralKey,
		SignedPreKeyID:  bundle.SignedPreKey.KeyID,
		OneTimePreKeyID: oneTimePreKeyID,
	}

	event := NewAuditEvent(types.AuditSessionEstablished)
	event.SessionID = session.SessionID
	event.Principal = initiatorID
	event.Detail = map[string]string{"peer": bundle.UserID, "role": types.SessionRoleInitiator}
	s.audit.Emit(event)

	return session, offer, nil
}

// EstablishFromRemote mirrors the key agreement on the responder side from an
// initiators offer. Replaying the same offer returns the already established
// session.
func (s *SessionService) EstablishFromRemote(ctx context.Context, responderID string, offer *types.SessionOffer) (*types.Session, error) {
	if vErr := validate.Struct(offer); vErr != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrBadRequest, vErr.Error())
	}
	if offer.RecipientID != responderID {
		return nil, fmt.Errorf("%w: offer addressed to %s", types.ErrBadRequest, offer.RecipientID)
	}

	if existing, err := s.store.GetBySessionID(ctx, responderID, offer.SessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, types.ErrSessionNotFound) {
		return nil, err
	}

	peerIdentityPub, err := base64.StdEncoding.DecodeString(offer.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed identity key", types.ErrProtocol)
	}
	peerEphemeralPub, err := base64.StdEncoding.DecodeString(offer.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ephemeral key", types.ErrProtocol)
	}

	identity, err := s.prekeys.GetIdentity(ctx, responderID)
	if err != nil {
		return nil, err
	}
	identityDoc, err := s.keyService.GetKey(ctx, identity.AgreementKeyID)
	if err != nil {
		return nil, err
	}
	identityPriv, err := s.keyService.UnwrapMaterial(ctx, identityDoc)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(identityPriv)

	spkPriv, err := s.prekeys.SignedPreKeyPrivate(ctx, offer.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(spkPriv)

	var opkPriv []byte
	if offer.OneTimePreKeyID != "" {
		opkPriv, err = s.prekeys.ClaimOneTimePreKey(ctx, offer.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(opkPriv)
	}

	secret, err := crypto.ResponderSecret(identityPriv, spkPriv, opkPriv, peerIdentityPub, peerEphemeralPub)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:       offer.SessionID,
		OwnerID:         responderID,
		Participants:    sortedPair(responderID, offer.InitiatorID),
		PairKey:         types.PairKeyOf(responderID, offer.InitiatorID),
		Role:            types.SessionRoleResponder,
		RootKey:         base64.StdEncoding.EncodeToString(secret),
		ChainKey:        base64.StdEncoding.EncodeToString(secret),
		EphemeralKey:    offer.EphemeralKey,
		PeerIdentityKey: offer.IdentityKey,
		SignedPreKeyID:  offer.SignedPreKeyID,
		OneTimePreKeyID: offer.OneTimePreKeyID,
		Created:         now.UnixMilli(),
		ExpiresAt:       now.Add(time.Duration(global.Conf.SessionTTLMinutesOrDefault()) * time.Minute).UnixMilli(),
	}

	if err := s.replaceActiveSession(ctx, session); err != nil {
		return nil, err
	}

	event := NewAuditEvent(types.AuditSessionEstablished)
	event.SessionID = session.SessionID
	event.Principal = responderID
	event.Detail = map[string]string{"peer": offer.InitiatorID, "role": types.SessionRoleResponder}
	s.audit.Emit(event)

	return session, nil
}

// GetOrEstablish returns the active session with a peer, establishing a new
// one from the peers bundle when none exists or the old one expired
func (s *SessionService) GetOrEstablish(ctx context.Context, initiatorID, peerID string) (*types.Session, *types.SessionOffer, error) {
	session, err := s.store.Get(ctx, initiatorID, peerID)
	if err == nil {
		return session, nil, nil
	}
	if !errors.Is(err, types.ErrSessionNotFound) && !errors.Is(err, types.ErrSessionExpired) {
		return nil, nil, err
	}

	bundle, err := s.prekeys.FetchBundle(ctx, peerID, initiatorID)
	if err != nil {
		return nil, nil, err
	}
	return s.Establish(ctx, initiatorID, bundle)
}

// replaceActiveSession stores the new session copy, superseding whichever
// session the owner had active for the pair before
func (s *SessionService) replaceActiveSession(ctx context.Context, session *types.Session) error {
	peer := session.Participants[0]
	if peer == session.OwnerID {
		peer = session.Participants[1]
	}
	previous, err := s.store.Get(ctx, session.OwnerID, peer)
	if err == nil && previous.SessionID != session.SessionID {
		if sErr := s.store.Supersede(ctx, previous, session.SessionID); sErr != nil {
			return sErr
		}
	} else if err != nil && !errors.Is(err, types.ErrSessionNotFound) && !errors.Is(err, types.ErrSessionExpired) {
		return err
	}
	return s.store.Put(ctx, session)
}

func sortedPair(a, b string) []string {
	if a > b {
		return []string{b, a}
	}
	return []string{a, b}
}
