package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/parley-chat/go-parley-e2ee/types"
	"github.com/stretchr/testify/assert"
)

func TestMemoryRoundtrip(t *testing.T) {
	repo := NewMemoryRepository(Sessions)

	session := &types.Session{
		SessionID:    "s1",
		Participants: []string{"alice", "bob"},
		PairKey:      types.PairKeyOf("bob", "alice"),
		MessageCount: 3,
	}
	err := repo.Save(context.Background(), session.SessionID, session)
	assert.NoError(t, err)

	res, gErr := repo.GetByID(context.Background(), "s1")
	assert.NoError(t, gErr)

	var stored types.Session
	mErr := MapToObject(res, &stored)
	assert.NoError(t, mErr)
	assert.Equal(t, "alice|bob", stored.PairKey)
	assert.Equal(t, int64(3), stored.MessageCount)
}

func TestMemoryGetMissing(t *testing.T) {
	repo := NewMemoryRepository(Sessions)
	_, err := repo.GetByID(context.Background(), "nope")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestMemoryUpdateMissing(t *testing.T) {
	repo := NewMemoryRepository(Sessions)
	err := repo.Update(context.Background(), "nope", &types.Session{})
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestMemoryDelete(t *testing.T) {
	repo := NewMemoryRepository(Sessions)
	_ = repo.Save(context.Background(), "s1", &types.Session{SessionID: "s1"})

	err := repo.Delete(context.Background(), "s1")
	assert.NoError(t, err)

	_, gErr := repo.GetByID(context.Background(), "s1")
	assert.True(t, errors.Is(gErr, types.ErrNotFound))
}

func TestMemoryGetAllPaging(t *testing.T) {
	repo := NewMemoryRepository(Audit)
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = repo.Save(context.Background(), id, &types.AuditEvent{EventID: id})
	}

	docs, err := repo.GetAll(context.Background(), 2, 1)
	assert.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMemorySelectorChooseDB(t *testing.T) {
	sel := NewMemorySelector(Sessions, EncryptionKeys)

	db, err := sel.ChooseDB(EncryptionKeys)
	assert.NoError(t, err)
	assert.Equal(t, EncryptionKeys, db.GetDBName())

	_, missErr := sel.ChooseDB("unknown")
	assert.True(t, errors.Is(missErr, types.ErrNotFound))
}
