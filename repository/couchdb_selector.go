package repository

import "github.com/parley-chat/go-parley-e2ee/types"

type CouchDBSelector struct {
	dbs []Repository
}

func NewCouchDBSelector() *CouchDBSelector {
	return &CouchDBSelector{}
}

// adds a database to the databse selector
func (c *CouchDBSelector) AddDB(db Repository) {
	c.dbs = append(c.dbs, db)
}

// returns the required database
func (c *CouchDBSelector) ChooseDB(dbName string) (Repository, error) {
	if len(c.dbs) == 0 {
		return nil, types.ErrNotFound
	}
	for i, r := range c.dbs {
		if r.GetDBName() == dbName {
			return c.dbs[i], nil
		}
	}
	return nil, types.ErrNotFound
}

// Close releases the underlying repositories. CouchDB connections are plain
// HTTP so there is nothing to tear down beyond dropping the references.
func (c *CouchDBSelector) Close() error {
	c.dbs = nil
	return nil
}
