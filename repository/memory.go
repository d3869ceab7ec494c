package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/parley-chat/go-parley-e2ee/types"
)

// MemoryRepository is an in process Repository used by tests and embedded
// deployments. Documents are stored as json so reads hand back copies, never
// the callers object. Design document view paths are not supported.
type MemoryRepository struct {
	mu     sync.RWMutex
	dbName string
	docs   map[string]json.RawMessage
}

func NewMemoryRepository(dbName string) *MemoryRepository {
	return &MemoryRepository{
		dbName: dbName,
		docs:   make(map[string]json.RawMessage),
	}
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (interface{}, error) {
	if strings.HasPrefix(id, "_design/") {
		return nil, types.ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	var out map[string]interface{}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MemoryRepository) GetAll(ctx context.Context, limit int, skip int) ([]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := []interface{}{}
	for i, id := range ids {
		if i < skip {
			continue
		}
		if limit > 0 && len(docs) >= limit {
			break
		}
		var out map[string]interface{}
		if err := json.Unmarshal(m.docs[id], &out); err != nil {
			return nil, err
		}
		docs = append(docs, out)
	}
	return docs, nil
}

func (m *MemoryRepository) Save(ctx context.Context, docID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = raw
	return nil
}

func (m *MemoryRepository) Update(ctx context.Context, id string, data interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return types.ErrNotFound
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.docs[id] = raw
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return types.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *MemoryRepository) GetDBName() string {
	return m.dbName
}

func (m *MemoryRepository) GetClient() interface{} {
	return nil
}

// MemorySelector is the in process counterpart of CouchDBSelector
type MemorySelector struct {
	dbs []Repository
}

func NewMemorySelector(dbNames ...string) *MemorySelector {
	s := &MemorySelector{}
	for _, name := range dbNames {
		s.dbs = append(s.dbs, NewMemoryRepository(name))
	}
	return s
}

func (s *MemorySelector) AddDB(db Repository) {
	s.dbs = append(s.dbs, db)
}

func (s *MemorySelector) ChooseDB(dbName string) (Repository, error) {
	for i, r := range s.dbs {
		if r.GetDBName() == dbName {
			return s.dbs[i], nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *MemorySelector) Close() error {
	s.dbs = nil
	return nil
}
