package backends

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

const localKeyInfoPrefix = "dsvault/local/"

// Local encrypts with a random data key per record, wrapped under a key
// derived for the account from the process master key.
type Local struct {
	master *secure.SecureBuffer
}

// NewLocal creates the Local backend around the master key enclave.
func NewLocal(master *secure.SecureBuffer) *Local {
	return &Local{master: master}
}

func (l *Local) Type() secret.EncryptionType { return secret.EncryptionLocal }

func (l *Local) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	if req.Path != "" {
		return backend.Ciphertext{}, referenceUnsupported(secret.EncryptionLocal)
	}

	accountKey, err := l.accountKey(req.AccountID)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionLocal, "encrypt", err)
	}
	defer secure.Zero(accountKey)

	dek, err := secure.RandomKey()
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionLocal, "encrypt", err)
	}
	defer secure.Zero(dek)

	ciphertext, err := secure.Seal(dek, req.Value)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionLocal, "encrypt", err)
	}
	wrapped, err := secure.Seal(accountKey, dek)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionLocal, "encrypt", err)
	}
	return backend.Ciphertext{EncryptionKey: encode(wrapped), EncryptedValue: encode(ciphertext)}, nil
}

func (l *Local) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	wrapped, err := decode(secret.EncryptionLocal, "encryption key", rec.EncryptionKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decode(secret.EncryptionLocal, "encrypted value", rec.EncryptedValue)
	if err != nil {
		return nil, err
	}

	accountKey, err := l.accountKey(rec.AccountID)
	if err != nil {
		return nil, fatal(secret.EncryptionLocal, "decrypt", err)
	}
	defer secure.Zero(accountKey)

	dek, err := secure.Open(accountKey, wrapped)
	if err != nil {
		return nil, fatal(secret.EncryptionLocal, "decrypt", fmt.Errorf("unwrap data key: %w", err))
	}
	defer secure.Zero(dek)

	plaintext, err := secure.Open(dek, ciphertext)
	if err != nil {
		return nil, fatal(secret.EncryptionLocal, "decrypt", err)
	}
	return plaintext, nil
}

// DeleteExternal is a no-op; Local keeps nothing outside the record.
func (l *Local) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	return nil
}

func (l *Local) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	locked, err := l.master.Open()
	if err != nil {
		return fatal(secret.EncryptionLocal, "validate", err)
	}
	locked.Destroy()
	return nil
}

func (l *Local) accountKey(accountID string) ([]byte, error) {
	locked, err := l.master.Open()
	if err != nil {
		return nil, err
	}
	defer locked.Destroy()

	r := hkdf.New(sha256.New, locked.Bytes(), nil, []byte(localKeyInfoPrefix+accountID))
	key := make([]byte, secure.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive account key: %w", err)
	}
	return key, nil
}
