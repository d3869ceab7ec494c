package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/types"
)

const sessionLockStripes = 64

// RatchetService advances the forward only message chain of a session. Every
// advance derives one message key, moves the chain key and bumps the message
// counter. The new state is persisted before the message key is released, a
// failed persist discards the key so the chain never forks.
type RatchetService struct {
	store *SessionStoreService
	locks [sessionLockStripes]sync.Mutex
}

func NewRatchetService(store *SessionStoreService) *RatchetService {
	return &RatchetService{store: store}
}

func (rs *RatchetService) lockFor(ownerID, sessionID string) *sync.Mutex {
	return &rs.locks[xxhash.Sum64String(ownerID+":"+sessionID)%sessionLockStripes]
}

// Advance derives the next sending message key on the owners session copy.
// Returns the key and the message number it belongs to.
func (rs *RatchetService) Advance(ctx context.Context, ownerID, sessionID string) ([]byte, int64, error) {
	lock := rs.lockFor(ownerID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := rs.store.GetBySessionID(ctx, ownerID, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if session.Expired(time.Now().UTC()) {
		return nil, 0, rs.store.expire(ctx, session)
	}

	messageKey, err := rs.step(ctx, session)
	if err != nil {
		return nil, 0, err
	}
	return messageKey, session.MessageCount, nil
}

// AdvanceTo derives the receiving message key for messageNumber. The chain
// only moves in lockstep, anything but the next expected number is a
// protocol violation. Replayed numbers land here too.
func (rs *RatchetService) AdvanceTo(ctx context.Context, ownerID, sessionID string, messageNumber int64) ([]byte, error) {
	lock := rs.lockFor(ownerID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := rs.store.GetBySessionID(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now().UTC()) {
		return nil, rs.store.expire(ctx, session)
	}
	if messageNumber != session.MessageCount+1 {
		return nil, fmt.Errorf("%w: message number %d, chain is at %d", types.ErrProtocol, messageNumber, session.MessageCount)
	}
	return rs.step(ctx, session)
}

// step advances the chain by one and persists the session before handing the
// message key out
func (rs *RatchetService) step(ctx context.Context, session *types.Session) ([]byte, error) {
	chainKey, err := base64.StdEncoding.DecodeString(session.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable chain key", types.ErrProtocol)
	}
	defer crypto.Zero(chainKey)

	nextChainKey, messageKey, err := crypto.AdvanceChain(chainKey)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(nextChainKey)

	session.ChainKey = base64.StdEncoding.EncodeToString(nextChainKey)
	session.MessageCount++
	if err := rs.store.Put(ctx, session); err != nil {
		crypto.Zero(messageKey)
		return nil, err
	}
	return messageKey, nil
}
