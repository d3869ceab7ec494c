package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-kit/log/level"

	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// SessionStoreService persists ratchet sessions with a redis hot tier in
// front of the database. Every participant owns their copy of a session,
// lookups go by owner plus the normalized pair. Expired sessions are deleted
// lazily on access and by the sweep.
type SessionStoreService struct {
	sessionRepo repository.Repository
	cache       *repository.SessionCache
	audit       AuditEmitter
}

func NewSessionStoreService(dbSelector repository.DBSelector, env *types.Environment, audit AuditEmitter) *SessionStoreService {
	sessionRepo, err := dbSelector.ChooseDB(repository.Sessions)
	if err != nil {
		panic(err)
	}
	var cache *repository.SessionCache
	if env != nil && env.RedisClient != nil {
		cache = repository.NewSessionCache(env.RedisClient)
	}
	return &SessionStoreService{
		sessionRepo: sessionRepo,
		cache:       cache,
		audit:       audit,
	}
}

// sessionPairView is the row shape of the by_pair view with documents included
type sessionPairView struct {
	TotalRows int64 `json:"total_rows"`
	Offset    int64 `json:"offset"`
	Rows      []struct {
		ID    string         `json:"id"`
		Key   string         `json:"key"`
		Value string         `json:"value"`
		Doc   *types.Session `json:"doc,omitempty"`
	} `json:"rows"`
}

// sessionExpiryView is the row shape of the by_expires view
type sessionExpiryView struct {
	TotalRows int64 `json:"total_rows"`
	Offset    int64 `json:"offset"`
	Rows      []struct {
		ID    string         `json:"id"`
		Key   int64          `json:"key"`
		Value string         `json:"value"`
		Doc   *types.Session `json:"doc,omitempty"`
	} `json:"rows"`
}

// Get returns the owners active session with a peer. Expired sessions are
// removed on the spot and reported as expired, a missing session is not found.
func (ss *SessionStoreService) Get(ctx context.Context, ownerID, peerID string) (*types.Session, error) {
	pairKey := types.PairKeyOf(ownerID, peerID)

	if ss.cache != nil {
		cached, err := ss.cache.Get(ctx, ownerID, pairKey)
		if err == nil {
			if cached.Expired(time.Now().UTC()) {
				// redis TTL and the session TTL race each other, treat a stale
				// hit the same as a database hit
				return nil, ss.expire(ctx, cached)
			}
			return cached, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			level.Error(global.Logger).Log("error", "session cache lookup failed", "pairKey", pairKey, "err", err.Error())
		}
	}

	session, err := ss.getByPairFromDB(ctx, ownerID, pairKey)
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now().UTC()) {
		return nil, ss.expire(ctx, session)
	}
	if ss.cache != nil {
		if cErr := ss.cache.Put(ctx, session); cErr != nil {
			level.Error(global.Logger).Log("error", "session cache write failed", "pairKey", pairKey, "err", cErr.Error())
		}
	}
	return session, nil
}

func (ss *SessionStoreService) getByPairFromDB(ctx context.Context, ownerID, pairKey string) (*types.Session, error) {
	viewKey := ownerID + "|" + pairKey
	query := fmt.Sprintf("_design/session/_view/by_pair?key=%s&include_docs=true&limit=10", url.QueryEscape(`"`+viewKey+`"`))
	response, err := ss.sessionRepo.GetByID(ctx, query)
	if err != nil {
		return nil, err
	}
	var listing sessionPairView
	if mErr := repository.MapToObject(response, &listing); mErr != nil {
		return nil, mErr
	}

	// the view excludes superseded sessions, pick the newest remaining one
	var newest *types.Session
	for _, row := range listing.Rows {
		if row.Doc == nil {
			continue
		}
		if newest == nil || row.Doc.Created > newest.Created {
			newest = row.Doc
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: no session for pair %s", types.ErrSessionNotFound, pairKey)
	}
	return newest, nil
}

// GetBySessionID loads the owners copy of a session, bypassing the cache
func (ss *SessionStoreService) GetBySessionID(ctx context.Context, ownerID, sessionID string) (*types.Session, error) {
	response, err := ss.sessionRepo.GetByID(ctx, ownerID+":"+sessionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	var session types.Session
	if mErr := repository.MapToObject(response, &session); mErr != nil {
		return nil, mErr
	}
	return &session, nil
}

// Put writes a session through to the database and refreshes the cache
func (ss *SessionStoreService) Put(ctx context.Context, session *types.Session) error {
	var err error
	if session.UnderscoreRev == "" {
		err = ss.sessionRepo.Save(ctx, session.DocID(), session)
	} else {
		err = ss.sessionRepo.Update(ctx, session.DocID(), session)
	}
	if err != nil {
		return err
	}
	if ss.cache != nil && session.SupersededBy == "" {
		if cErr := ss.cache.Put(ctx, session); cErr != nil {
			level.Error(global.Logger).Log("error", "session cache write failed", "pairKey", session.PairKey, "err", cErr.Error())
		}
	}
	return nil
}

// Remove deletes a session copy from the database and the cache
func (ss *SessionStoreService) Remove(ctx context.Context, session *types.Session) error {
	if err := ss.sessionRepo.Delete(ctx, session.DocID()); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	ss.dropFromCache(ctx, session.OwnerID, session.PairKey)
	return nil
}

// Supersede marks an old session copy as replaced. The document stays around
// for tracing, the by_pair view stops returning it.
func (ss *SessionStoreService) Supersede(ctx context.Context, old *types.Session, successorID string) error {
	old.SupersededBy = successorID
	if err := ss.sessionRepo.Update(ctx, old.DocID(), old); err != nil {
		return err
	}
	ss.dropFromCache(ctx, old.OwnerID, old.PairKey)

	event := NewAuditEvent(types.AuditSessionSuperseded)
	event.SessionID = old.SessionID
	event.Principal = old.OwnerID
	event.Detail = map[string]string{"successorSessionId": successorID}
	ss.audit.Emit(event)
	return nil
}

// expire removes a session that passed its TTL and reports ErrSessionExpired
func (ss *SessionStoreService) expire(ctx context.Context, session *types.Session) error {
	if err := ss.Remove(ctx, session); err != nil {
		level.Error(global.Logger).Log("error", "failed to remove expired session", "sessionId", session.SessionID, "err", err.Error())
	}
	event := NewAuditEvent(types.AuditSessionExpired)
	event.SessionID = session.SessionID
	event.Principal = session.OwnerID
	ss.audit.Emit(event)
	return fmt.Errorf("%w: %s", types.ErrSessionExpired, session.SessionID)
}

func (ss *SessionStoreService) dropFromCache(ctx context.Context, ownerID, pairKey string) {
	if ss.cache == nil {
		return
	}
	if err := ss.cache.Remove(ctx, ownerID, pairKey); err != nil {
		level.Error(global.Logger).Log("error", "session cache remove failed", "pairKey", pairKey, "err", err.Error())
	}
}

// ExpireSessions deletes every session copy past its TTL. Runs from cron and
// the task queue, loops until the view drains.
func (ss *SessionStoreService) ExpireSessions() {
	totalRows := int64(1) // start value to enter the loop
	for totalRows > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		now := time.Now().UTC().UnixMilli()
		query := fmt.Sprintf("_design/session/_view/by_expires?endkey=%d&limit=100&include_docs=true", now)
		response, err := ss.sessionRepo.GetByID(ctx, query)
		if err != nil {
			level.Error(global.Logger).Log("error", "failed to query session expiry view", "err", err.Error())
			return
		}
		var due sessionExpiryView
		if mErr := repository.MapToObject(response, &due); mErr != nil {
			level.Error(global.Logger).Log("error", "failed to map session expiry view", "err", mErr.Error())
			return
		}
		removed := 0
		for _, row := range due.Rows {
			session := row.Doc
			if session == nil {
				continue
			}
			if err := ss.Remove(ctx, session); err != nil {
				level.Error(global.Logger).Log("error", "failed to remove expired session", "sessionId", session.SessionID, "err", err.Error())
				continue
			}
			event := NewAuditEvent(types.AuditSessionExpired)
			event.SessionID = session.SessionID
			event.Principal = session.OwnerID
			ss.audit.Emit(event)
			removed++
		}
		if removed == 0 {
			return
		}
		totalRows = int64(len(due.Rows))
	}
}
