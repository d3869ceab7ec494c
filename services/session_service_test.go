package services

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// e2eeStack wires the full engine against memory repositories and mock
// backed session and prekey databases
type e2eeStack struct {
	keys     *KeyManagerService
	prekeys  *PreKeyService
	store    *SessionStoreService
	sessions *SessionService
	ratchet  *RatchetService
	cipher   *MessageCipherService
}

func newE2eeStack(t *testing.T) *e2eeStack {
	global.Conf.E2EE = global.E2EEConfig{
		PreKeyPoolSize:    2,
		PreKeyMinimum:     1,
		SessionTTLMinutes: 60,
		Rotation:          global.RotationConfig{GracePeriodMinutes: 60},
	}

	opkMock := newCouchMock(t, repository.OneTimePreKeys)
	opkMock.view("prekey", "unused", unusedPreKeyRows)
	sessionMock := newCouchMock(t, repository.Sessions)
	sessionMock.view("session", "by_pair", sessionPairRows)
	sessionMock.view("session", "by_expires", sessionExpiryRows)
	t.Cleanup(httpmock.DeactivateAndReset)

	selector := repository.NewMemorySelector(repository.EncryptionKeys, repository.IdentityKeys, repository.SignedPreKeys)
	selector.AddDB(opkMock.repo(t))
	selector.AddDB(sessionMock.repo(t))

	keys := NewKeyManagerService(selector, testKekProvider(t), &NopAuditEmitter{})
	prekeys := NewPreKeyService(selector, keys, &NopAuditEmitter{})
	store := NewSessionStoreService(selector, nil, &NopAuditEmitter{})
	sessions := NewSessionService(store, prekeys, keys, &NopAuditEmitter{})
	ratchet := NewRatchetService(store)
	cipher := NewMessageCipherService(store, ratchet, keys, &NopAuditEmitter{})

	return &e2eeStack{
		keys:     keys,
		prekeys:  prekeys,
		store:    store,
		sessions: sessions,
		ratchet:  ratchet,
		cipher:   cipher,
	}
}

func (st *e2eeStack) provision(t *testing.T, userIDs ...string) {
	for _, userID := range userIDs {
		_, err := st.prekeys.GenerateIdentity(context.Background(), userID)
		require.NoError(t, err)
	}
}

func TestEstablishSessionBothSides(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	bundle, err := st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, bundle.PreKeys, 1)

	sessA, offer, err := st.sessions.Establish(ctx, "alice", bundle)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRoleInitiator, sessA.Role)
	assert.Equal(t, "alice", sessA.OwnerID)
	assert.Equal(t, []string{"alice", "bob"}, sessA.Participants)
	assert.Equal(t, types.PairKeyOf("alice", "bob"), sessA.PairKey)
	assert.NotEmpty(t, sessA.RootKey)
	assert.Equal(t, sessA.RootKey, sessA.ChainKey)
	assert.Equal(t, int64(0), sessA.MessageCount)
	assert.True(t, sessA.ExpiresAt > time.Now().UTC().UnixMilli())

	require.NotNil(t, offer)
	assert.Equal(t, sessA.SessionID, offer.SessionID)
	assert.Equal(t, "alice", offer.InitiatorID)
	assert.Equal(t, "bob", offer.RecipientID)
	assert.Equal(t, bundle.SignedPreKey.KeyID, offer.SignedPreKeyID)
	assert.Equal(t, bundle.PreKeys[0].KeyID, offer.OneTimePreKeyID)

	sessB, err := st.sessions.EstablishFromRemote(ctx, "bob", offer)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRoleResponder, sessB.Role)
	assert.Equal(t, "bob", sessB.OwnerID)

	// both sides derived the same root independently
	assert.Equal(t, sessA.RootKey, sessB.RootKey)

	fromStoreA, err := st.store.Get(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, sessA.SessionID, fromStoreA.SessionID)
	fromStoreB, err := st.store.Get(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, sessB.SessionID, fromStoreB.SessionID)
}

func TestEstablishRejectsForgedSignedPreKey(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	bundle, err := st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)

	forged := *bundle
	sig, err := base64.StdEncoding.DecodeString(forged.SignedPreKey.Signature)
	require.NoError(t, err)
	sig[0] ^= 0x01
	forged.SignedPreKey.Signature = base64.StdEncoding.EncodeToString(sig)

	_, _, err = st.sessions.Establish(ctx, "alice", &forged)
	assert.ErrorIs(t, err, types.ErrPreKeySignature)

	// no session was created from the forged bundle
	_, err = st.store.Get(ctx, "alice", "bob")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestEstablishSupersedesPreviousSession(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	bundle, err := st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)
	first, _, err := st.sessions.Establish(ctx, "alice", bundle)
	require.NoError(t, err)

	bundle, err = st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)
	second, _, err := st.sessions.Establish(ctx, "alice", bundle)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	active, err := st.store.Get(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, active.SessionID)

	old, err := st.store.GetBySessionID(ctx, "alice", first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, old.SupersededBy)
}

func TestEstablishFromRemoteIdempotent(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	bundle, err := st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)
	_, offer, err := st.sessions.Establish(ctx, "alice", bundle)
	require.NoError(t, err)

	first, err := st.sessions.EstablishFromRemote(ctx, "bob", offer)
	require.NoError(t, err)
	replay, err := st.sessions.EstablishFromRemote(ctx, "bob", offer)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, replay.SessionID)
	assert.Equal(t, first.RootKey, replay.RootKey)
}

func TestEstablishWithoutOneTimePreKey(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	// drain bobs pool of two
	_, err := st.prekeys.FetchBundle(ctx, "bob", "x")
	require.NoError(t, err)
	_, err = st.prekeys.FetchBundle(ctx, "bob", "y")
	require.NoError(t, err)

	bundle, err := st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Empty(t, bundle.PreKeys)

	sessA, offer, err := st.sessions.Establish(ctx, "alice", bundle)
	require.NoError(t, err)
	assert.Empty(t, offer.OneTimePreKeyID)

	sessB, err := st.sessions.EstablishFromRemote(ctx, "bob", offer)
	require.NoError(t, err)
	assert.Equal(t, sessA.RootKey, sessB.RootKey)
}

func TestEstablishRejectsBadInput(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice")

	_, _, err := st.sessions.Establish(ctx, "alice", &types.PreKeyBundle{UserID: "bob"})
	assert.ErrorIs(t, err, types.ErrBadRequest)

	bundle := &types.PreKeyBundle{
		UserID:      "alice",
		IdentityKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		SigningKey:  base64.StdEncoding.EncodeToString(make([]byte, 32)),
		SignedPreKey: types.SignedPreKey{
			KeyID:     "spk",
			PublicKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
			Signature: base64.StdEncoding.EncodeToString(make([]byte, 64)),
		},
	}
	_, _, err = st.sessions.Establish(ctx, "alice", bundle)
	assert.ErrorIs(t, err, types.ErrBadRequest)
}

func TestGetOrEstablish(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	session, offer, err := st.sessions.GetOrEstablish(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, offer)

	again, offerAgain, err := st.sessions.GetOrEstablish(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, offerAgain)
	assert.Equal(t, session.SessionID, again.SessionID)
}

func TestSessionExpiryOnAccess(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	bundle, err := st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)
	session, _, err := st.sessions.Establish(ctx, "alice", bundle)
	require.NoError(t, err)

	// age the copy past its TTL
	stored, err := st.store.GetBySessionID(ctx, "alice", session.SessionID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute).UnixMilli()
	require.NoError(t, st.store.Put(ctx, stored))

	_, err = st.store.Get(ctx, "alice", "bob")
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	// the expired copy was deleted lazily
	_, err = st.store.Get(ctx, "alice", "bob")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, _, err = st.ratchet.Advance(ctx, "alice", session.SessionID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestExpireSessionsSweep(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")

	bundle, err := st.prekeys.FetchBundle(ctx, "bob", "alice")
	require.NoError(t, err)
	sessA, offer, err := st.sessions.Establish(ctx, "alice", bundle)
	require.NoError(t, err)
	sessB, err := st.sessions.EstablishFromRemote(ctx, "bob", offer)
	require.NoError(t, err)

	for _, owner := range []string{"alice", "bob"} {
		stored, gErr := st.store.GetBySessionID(ctx, owner, sessA.SessionID)
		require.NoError(t, gErr)
		stored.ExpiresAt = time.Now().UTC().Add(-time.Minute).UnixMilli()
		require.NoError(t, st.store.Put(ctx, stored))
	}

	st.store.ExpireSessions()

	_, err = st.store.GetBySessionID(ctx, "alice", sessA.SessionID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = st.store.GetBySessionID(ctx, "bob", sessB.SessionID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}
