package repository

import (
	"context"
)

const (
	// Database names
	EncryptionKeys = "encryption_keys"
	Sessions       = "sessions"
	IdentityKeys   = "identity_keys"
	SignedPreKeys  = "signed_prekeys"
	OneTimePreKeys = "one_time_prekeys"
	Attachments    = "attachments"
	Audit          = "audit"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (interface{}, error)
	GetAll(ctx context.Context, limit int, skip int) ([]interface{}, error)
	Save(ctx context.Context, docID string, data interface{}) error
	Update(ctx context.Context, id string, data interface{}) error
	Delete(ctx context.Context, id string) error
	GetDBName() string
	GetClient() interface{}
}

// DBSelector hands out the repository for a named database
type DBSelector interface {
	ChooseDB(dbName string) (Repository, error)
	Close() error
}
