package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parley-chat/go-parley-e2ee/types"
	"github.com/redis/go-redis/v9"
)

// SessionCache is the hot tier in front of the sessions database. Entries
// carry the session TTL so redis drops them on its own once they expire.
type SessionCache struct {
	client *redis.Client
}

func NewSessionCache(client *redis.Client) *SessionCache {
	return &SessionCache{client: client}
}

func sessionCacheKey(ownerID, pairKey string) string {
	return "session:" + ownerID + ":" + pairKey
}

func (sc *SessionCache) Get(ctx context.Context, ownerID, pairKey string) (*types.Session, error) {
	val, err := sc.client.Get(ctx, sessionCacheKey(ownerID, pairKey)).Result()
	if err == redis.Nil {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var session types.Session
	if uErr := json.Unmarshal([]byte(val), &session); uErr != nil {
		return nil, uErr
	}
	return &session, nil
}

func (sc *SessionCache) Put(ctx context.Context, session *types.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ttl := time.Until(time.UnixMilli(session.ExpiresAt))
	if ttl <= 0 {
		// already expired, nothing worth caching
		return nil
	}
	return sc.client.Set(ctx, sessionCacheKey(session.OwnerID, session.PairKey), raw, ttl).Err()
}

func (sc *SessionCache) Remove(ctx context.Context, ownerID, pairKey string) error {
	return sc.client.Del(ctx, sessionCacheKey(ownerID, pairKey)).Err()
}
