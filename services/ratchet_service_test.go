package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/types"
)

func establishPair(t *testing.T, st *e2eeStack, initiatorID, responderID string) (*types.Session, *types.Session) {
	ctx := context.Background()
	bundle, err := st.prekeys.FetchBundle(ctx, responderID, initiatorID)
	require.NoError(t, err)
	sessA, offer, err := st.sessions.Establish(ctx, initiatorID, bundle)
	require.NoError(t, err)
	sessB, err := st.sessions.EstablishFromRemote(ctx, responderID, offer)
	require.NoError(t, err)
	require.Equal(t, sessA.RootKey, sessB.RootKey)
	return sessA, sessB
}

func TestRatchetLockstepAcrossCopies(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")
	sessA, _ := establishPair(t, st, "alice", "bob")

	var senderKeys [][]byte
	for i := int64(1); i <= 3; i++ {
		key, number, err := st.ratchet.Advance(ctx, "alice", sessA.SessionID)
		require.NoError(t, err)
		assert.Equal(t, i, number)
		assert.Len(t, key, crypto.KeySize)
		senderKeys = append(senderKeys, key)
	}

	// the receiving copy derives the exact same message keys
	for i, want := range senderKeys {
		got, err := st.ratchet.AdvanceTo(ctx, "bob", sessA.SessionID, int64(i)+1)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// replay and skipping ahead both violate the lockstep
	_, err := st.ratchet.AdvanceTo(ctx, "bob", sessA.SessionID, 3)
	assert.ErrorIs(t, err, types.ErrProtocol)
	_, err = st.ratchet.AdvanceTo(ctx, "bob", sessA.SessionID, 5)
	assert.ErrorIs(t, err, types.ErrProtocol)

	// a rejected number does not move the chain
	_, err = st.ratchet.AdvanceTo(ctx, "bob", sessA.SessionID, 4)
	assert.NoError(t, err)

	stored, err := st.store.GetBySessionID(ctx, "alice", sessA.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.MessageCount)
}

func TestRatchetNeverRepeatsKeys(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")
	sessA, _ := establishPair(t, st, "alice", "bob")

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		key, _, err := st.ratchet.Advance(ctx, "alice", sessA.SessionID)
		require.NoError(t, err)
		require.False(t, seen[string(key)], "message key repeated")
		seen[string(key)] = true
	}

	stored, err := st.store.GetBySessionID(ctx, "alice", sessA.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, stored.RootKey, stored.ChainKey)
	assert.Equal(t, int64(20), stored.MessageCount)
}

func TestRatchetConcurrentAdvances(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()
	st.provision(t, "alice", "bob")
	sessA, _ := establishPair(t, st, "alice", "bob")

	type derived struct {
		key    []byte
		number int64
	}
	const workers = 8
	results := make(chan derived, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, number, err := st.ratchet.Advance(ctx, "alice", sessA.SessionID)
			assert.NoError(t, err)
			results <- derived{key: key, number: number}
		}()
	}
	wg.Wait()
	close(results)

	// every advance got its own message number and key
	numbers := map[int64]bool{}
	keys := map[string]bool{}
	for r := range results {
		assert.False(t, numbers[r.number], "message number %d handed out twice", r.number)
		assert.False(t, keys[string(r.key)], "message key handed out twice")
		numbers[r.number] = true
		keys[string(r.key)] = true
	}
	assert.Len(t, numbers, workers)

	stored, err := st.store.GetBySessionID(ctx, "alice", sessA.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), stored.MessageCount)
}

func TestRatchetUnknownSession(t *testing.T) {
	st := newE2eeStack(t)
	ctx := context.Background()

	_, _, err := st.ratchet.Advance(ctx, "alice", "no-such-session")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = st.ratchet.AdvanceTo(ctx, "alice", "no-such-session", 1)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}
