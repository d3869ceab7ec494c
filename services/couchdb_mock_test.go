package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/go-parley-e2ee/repository"
)

const mockCouchURL = "http://localhost:5984"

// couchMock backs httpmock responders with just enough CouchDB behavior for
// the services: revision checked writes, deletes and per test view handlers
type couchMock struct {
	mu     sync.Mutex
	dbName string
	docs   map[string]map[string]interface{}
	revs   map[string]int
}

func newCouchMock(t *testing.T, dbName string) *couchMock {
	m := &couchMock{
		dbName: dbName,
		docs:   map[string]map[string]interface{}{},
		revs:   map[string]int{},
	}
	httpmock.RegisterResponder("HEAD", mockCouchURL+"/"+dbName,
		httpmock.NewStringResponder(200, ""))
	docPattern := fmt.Sprintf(`=~^%s/%s/[^_][^/]*\z`, mockCouchURL, dbName)
	httpmock.RegisterResponder("PUT", docPattern, m.put)
	httpmock.RegisterResponder("GET", docPattern, m.get)
	httpmock.RegisterResponder("DELETE", docPattern, m.delete)
	return m
}

// repo builds the mock backed repository. The HEAD responder above satisfies
// the existence check in the constructor.
func (m *couchMock) repo(t *testing.T) repository.Repository {
	repo, err := repository.NewCouchDBRepository(mockCouchURL, m.dbName, "admin", "secret", true)
	require.NoError(t, err)
	return repo
}

// view registers a responder for a design document view that renders rows
// from the live document set on every call
func (m *couchMock) view(design, name string, rows func(docs map[string]map[string]interface{}, req *http.Request) []map[string]interface{}) {
	pattern := fmt.Sprintf(`=~^%s/%s/_design/%s/_view/%s.*`, mockCouchURL, m.dbName, design, name)
	httpmock.RegisterResponder("GET", pattern, func(req *http.Request) (*http.Response, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		result := rows(m.docs, req)
		if req.URL.Query().Get("reduce") == "true" {
			if len(result) == 0 {
				return httpmock.NewJsonResponse(200, map[string]interface{}{"rows": []interface{}{}})
			}
			return httpmock.NewJsonResponse(200, map[string]interface{}{
				"rows": []map[string]interface{}{{"key": result[0]["key"], "value": len(result)}},
			})
		}
		return httpmock.NewJsonResponse(200, map[string]interface{}{
			"total_rows": len(result), "offset": 0, "rows": result,
		})
	})
}

// find registers responders for mango index creation and _find queries. The
// query handler applies the equality selector over the live document set and
// sorts matches by created descending.
func (m *couchMock) find() {
	httpmock.RegisterResponder("POST", mockCouchURL+"/"+m.dbName+"/_index",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{"result": "created"}))
	httpmock.RegisterResponder("POST", mockCouchURL+"/"+m.dbName+"/_find", func(req *http.Request) (*http.Response, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		var query struct {
			Selector map[string]interface{} `json:"selector"`
			Limit    int                    `json:"limit"`
		}
		if err := json.NewDecoder(req.Body).Decode(&query); err != nil {
			return httpmock.NewStringResponse(400, err.Error()), nil
		}
		matches := []map[string]interface{}{}
		for _, doc := range m.docs {
			matched := true
			for field, want := range query.Selector {
				if doc[field] != want {
					matched = false
					break
				}
			}
			if matched {
				matches = append(matches, doc)
			}
		}
		sort.Slice(matches, func(i, j int) bool {
			ci, _ := matches[i]["created"].(float64)
			cj, _ := matches[j]["created"].(float64)
			return ci > cj
		})
		if query.Limit > 0 && len(matches) > query.Limit {
			matches = matches[:query.Limit]
		}
		return httpmock.NewJsonResponse(200, map[string]interface{}{"docs": matches, "bookmark": "nil"})
	})
}

func (m *couchMock) docID(req *http.Request) string {
	parts := strings.Split(req.URL.Path, "/")
	return parts[len(parts)-1]
}

func (m *couchMock) currentRev(id string) string {
	if m.revs[id] == 0 {
		return ""
	}
	return fmt.Sprintf("%d-mock", m.revs[id])
}

func (m *couchMock) put(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.docID(req)
	var doc map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&doc); err != nil {
		return httpmock.NewStringResponse(400, err.Error()), nil
	}
	bodyRev, _ := doc["_rev"].(string)
	if bodyRev != m.currentRev(id) {
		return httpmock.NewJsonResponse(409, map[string]string{"error": "conflict", "reason": "Document update conflict."})
	}
	m.revs[id]++
	doc["_id"] = id
	doc["_rev"] = m.currentRev(id)
	m.docs[id] = doc
	return httpmock.NewJsonResponse(201, map[string]interface{}{"ok": true, "id": id, "rev": doc["_rev"]})
}

func (m *couchMock) get(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, found := m.docs[m.docID(req)]
	if !found {
		return httpmock.NewJsonResponse(404, map[string]string{"error": "not_found", "reason": "missing"})
	}
	return httpmock.NewJsonResponse(200, doc)
}

func (m *couchMock) delete(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.docID(req)
	if _, found := m.docs[id]; !found {
		return httpmock.NewJsonResponse(404, map[string]string{"error": "not_found", "reason": "missing"})
	}
	if req.URL.Query().Get("rev") != m.currentRev(id) {
		return httpmock.NewJsonResponse(409, map[string]string{"error": "conflict", "reason": "Document update conflict."})
	}
	delete(m.docs, id)
	delete(m.revs, id)
	return httpmock.NewJsonResponse(200, map[string]interface{}{"ok": true, "id": id, "rev": "deleted"})
}

// unusedPreKeyRows renders the unused prekey view for a couchMock over the
// one time prekey database
func unusedPreKeyRows(docs map[string]map[string]interface{}, req *http.Request) []map[string]interface{} {
	userID := strings.Trim(req.URL.Query().Get("key"), `"`)
	rows := []map[string]interface{}{}
	for id, doc := range docs {
		if doc["userId"] == userID && doc["used"] != true {
			rows = append(rows, map[string]interface{}{
				"id": id, "key": userID, "value": doc["_rev"], "doc": doc,
			})
		}
	}
	return rows
}

// sessionPairRows renders the by_pair view, superseded sessions excluded.
// The view key is ownerId|pairKey.
func sessionPairRows(docs map[string]map[string]interface{}, req *http.Request) []map[string]interface{} {
	viewKey := strings.Trim(req.URL.Query().Get("key"), `"`)
	rows := []map[string]interface{}{}
	for id, doc := range docs {
		ownerID, _ := doc["ownerId"].(string)
		pairKey, _ := doc["pairKey"].(string)
		superseded, _ := doc["supersededBy"].(string)
		if ownerID+"|"+pairKey == viewKey && superseded == "" {
			rows = append(rows, map[string]interface{}{
				"id": id, "key": viewKey, "value": doc["_rev"], "doc": doc,
			})
		}
	}
	return rows
}

// sessionExpiryRows renders the by_expires view honoring the endkey bound
func sessionExpiryRows(docs map[string]map[string]interface{}, req *http.Request) []map[string]interface{} {
	var endkey float64
	fmt.Sscanf(req.URL.Query().Get("endkey"), "%f", &endkey)
	rows := []map[string]interface{}{}
	for id, doc := range docs {
		expiresAt, _ := doc["expiresAt"].(float64)
		if expiresAt > 0 && expiresAt <= endkey {
			rows = append(rows, map[string]interface{}{
				"id": id, "key": expiresAt, "value": doc["_rev"], "doc": doc,
			})
		}
	}
	return rows
}
