// Package storage defines the persistence contracts dsvault depends on and
// provides in-memory and SQL implementations of them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/systmms/dsvault/pkg/secret"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record name is already taken in the account.
	ErrDuplicate = errors.New("duplicate name")
	// ErrConflict is returned by SwapRecord when the record moved under the caller.
	ErrConflict = errors.New("record changed concurrently")
)

// RecordQuery filters ListRecords. Empty fields match everything.
type RecordQuery struct {
	AccountID string
	KmsIDs    []string
	Types     []secret.SettingType
	Offset    int
	// Limit of 0 means no limit.
	Limit int
}

// RecordStore persists EncryptedRecords. Records are returned in creation
// order (created_at, id) so that offsets are stable across calls.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *secret.EncryptedRecord) error
	GetRecord(ctx context.Context, accountID, id string) (*secret.EncryptedRecord, error)
	GetRecordByName(ctx context.Context, accountID, name string) (*secret.EncryptedRecord, error)
	UpdateRecord(ctx context.Context, rec *secret.EncryptedRecord) error
	DeleteRecord(ctx context.Context, accountID, id string) error
	ListRecords(ctx context.Context, q RecordQuery) ([]*secret.EncryptedRecord, error)
	CountRecordsByKmsID(ctx context.Context, kmsID string) (int, error)

	// SwapRecord reads the record, verifies it is still on expectedKmsID,
	// applies fn and writes it back as one atomic step.
	SwapRecord(ctx context.Context, accountID, id, expectedKmsID string, fn func(*secret.EncryptedRecord) error) error

	AddParent(ctx context.Context, accountID, id, parentID string) error
	RemoveParent(ctx context.Context, accountID, id, parentID string) error
}

// ConfigStore persists SecretManagerConfigs. Secrets is never stored.
type ConfigStore interface {
	SaveConfig(ctx context.Context, cfg *secret.SecretManagerConfig) error
	GetConfig(ctx context.Context, id string) (*secret.SecretManagerConfig, error)
	// ListConfigs returns configs of the given accounts, newest first.
	ListConfigs(ctx context.Context, accountIDs []string) ([]*secret.SecretManagerConfig, error)
	DeleteConfig(ctx context.Context, id string) error
	// ClearDefault unmarks every default config of the account except keepID.
	ClearDefault(ctx context.Context, accountID, keepID string) error
	UpdateRenewedAt(ctx context.Context, id string, at time.Time) error
}

// ChangeLogStore is append-only.
type ChangeLogStore interface {
	AppendChangeLog(ctx context.Context, log *secret.SecretChangeLog) error
	// ListChangeLogs returns the logs of one record, newest first.
	ListChangeLogs(ctx context.Context, accountID, recordID string) ([]*secret.SecretChangeLog, error)
}

// AccountStore holds account-level switches.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*secret.Account, error)
	SaveAccount(ctx context.Context, account *secret.Account) error
}

// BlobStore keeps opaque file ciphertext for backends that do not store
// values themselves.
type BlobStore interface {
	PutBlob(ctx context.Context, accountID string, data []byte) (string, error)
	GetBlob(ctx context.Context, accountID, handle string) ([]byte, error)
	DeleteBlob(ctx context.Context, accountID, handle string) error
}

// Store bundles every contract.
type Store interface {
	RecordStore
	ConfigStore
	ChangeLogStore
	AccountStore
	BlobStore
}
