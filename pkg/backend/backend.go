// Package backend defines the contract every dsvault encryption backend
// implements, and the registry that selects one by encryption type.
//
// Backends differ widely in what they natively do: Local seals values with a
// per-record key, KMS and GCP KMS perform envelope encryption, while Vault and
// the cloud secret managers store the value itself under a name. The Backend
// interface hides those differences behind three operations:
//
//   - Encrypt turns a plaintext into the (EncryptionKey, EncryptedValue) pair
//     dsvault persists on the record
//   - Decrypt reverses it using only the record and the config
//   - DeleteExternal removes whatever the backend holds outside dsvault
//
// # Error Handling
//
// Implementations classify every failure before returning it, using
// secret.BackendTransientError for failures worth retrying and
// secret.BackendFatalError for the rest. Input problems are reported as
// secret.ValidationError.
package backend

import (
	"context"

	"github.com/systmms/dsvault/pkg/secret"
)

// EncryptRequest carries everything a backend needs to encrypt one value.
type EncryptRequest struct {
	AccountID string
	Name      string
	Value     []byte
	Type      secret.SettingType

	// Path is set for reference records; the backend validates it resolves
	// instead of writing Value.
	Path string

	// Existing is the record being updated, if any.
	Existing *secret.EncryptedRecord
}

// Ciphertext is what a backend returns from Encrypt. Both fields are always
// set together.
type Ciphertext struct {
	EncryptionKey  string
	EncryptedValue string
}

// Backend performs the cryptographic round trip against one kind of system.
type Backend interface {
	// Type returns the encryption type this backend serves.
	Type() secret.EncryptionType

	// Encrypt encrypts (or, for named stores, writes) the value.
	Encrypt(ctx context.Context, req EncryptRequest, cfg *secret.SecretManagerConfig) (Ciphertext, error)

	// Decrypt returns the plaintext of rec.
	Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error)

	// DeleteExternal removes the backend-held copy of rec. It is never
	// called for reference records.
	DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error

	// Validate checks that cfg can reach the backend.
	Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error
}

// ChangeLogSource is implemented by backends that keep their own version
// history. The entries it returns are merged into a record's change log.
type ChangeLogSource interface {
	VersionChangeLogs(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]*secret.SecretChangeLog, error)
}

// Locator is implemented by backends that write inline values under a name.
// Locate returns the EncryptionKey an inline value named name would get under
// cfg and whether a secret already exists at that location.
type Locator interface {
	Locate(ctx context.Context, name string, cfg *secret.SecretManagerConfig) (key string, exists bool, err error)
}
