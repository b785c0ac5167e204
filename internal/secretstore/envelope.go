package secretstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/internal/transition"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

var _ transition.Codec = (*Store)(nil)

// seal encrypts plaintext for rec under cfg and returns a copy of rec
// carrying the new ciphertext fields. Files on envelope backends keep their
// ciphertext in the blob store and EncryptedValue holds the blob handle;
// files on named stores are written as base64 text.
func (s *Store) seal(ctx context.Context, rec *secret.EncryptedRecord, plaintext []byte, cfg *secret.SecretManagerConfig, existing *secret.EncryptedRecord) (*secret.EncryptedRecord, error) {
	out := rec.Clone()
	out.EncryptionType = cfg.EncryptionType
	out.KmsID = cfg.ID
	out.Base64Encoded = false

	if rec.Path == "" && cfg.EncryptionType.IsNamedSecretStore() {
		if err := s.claim(ctx, rec.Name, cfg, existing); err != nil {
			return nil, err
		}
	}

	req := backend.EncryptRequest{
		AccountID: rec.AccountID,
		Name:      rec.Name,
		Value:     plaintext,
		Type:      rec.Type,
		Path:      rec.Path,
		Existing:  existing,
	}

	if rec.Type != secret.TypeConfigFile {
		ct, err := s.encrypt(ctx, req, cfg)
		if err != nil {
			return nil, err
		}
		out.EncryptionKey, out.EncryptedValue = ct.EncryptionKey, ct.EncryptedValue
		return out, nil
	}

	out.FileSize = int64(len(plaintext))
	if !cfg.EncryptionType.UsesBlobStore() {
		req.Value = []byte(base64.StdEncoding.EncodeToString(plaintext))
		ct, err := s.encrypt(ctx, req, cfg)
		if err != nil {
			return nil, err
		}
		out.EncryptionKey, out.EncryptedValue = ct.EncryptionKey, ct.EncryptedValue
		out.Base64Encoded = true
		return out, nil
	}

	ct, err := s.encrypt(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(ct.EncryptedValue)
	if err != nil {
		return nil, secret.BackendFatalError{Backend: cfg.EncryptionType, Op: "encrypt", Err: fmt.Errorf("ciphertext is not base64: %w", err)}
	}
	handle, err := s.store.PutBlob(ctx, rec.AccountID, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to store file content: %w", err)
	}
	out.EncryptionKey, out.EncryptedValue = ct.EncryptionKey, handle
	return out, nil
}

// reveal returns the plaintext of rec. For files it is the file content.
func (s *Store) reveal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	if rec.Type == secret.TypeConfigFile && rec.EncryptionType.UsesBlobStore() {
		blob, err := s.store.GetBlob(ctx, rec.AccountID, rec.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("failed to load content of file %s: %w", rec.Name, err)
		}
		withBlob := rec.Clone()
		withBlob.EncryptedValue = base64.StdEncoding.EncodeToString(blob)
		return s.decrypt(ctx, withBlob, cfg)
	}

	plain, err := s.decrypt(ctx, rec, cfg)
	if err != nil {
		return nil, err
	}
	if !rec.Base64Encoded {
		return plain, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(plain))
	if err != nil {
		return nil, secret.BackendFatalError{Backend: rec.EncryptionType, Op: "decrypt", Err: fmt.Errorf("file content is not base64: %w", err)}
	}
	return decoded, nil
}

// discard removes what rec holds outside the record store: the blob of an
// envelope file or the external secret of a named store. References own
// nothing.
func (s *Store) discard(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	switch {
	case rec.IsReference():
		return nil
	case rec.Type == secret.TypeConfigFile && rec.EncryptionType.UsesBlobStore():
		if err := s.store.DeleteBlob(ctx, rec.AccountID, rec.EncryptedValue); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete content of file %s: %w", rec.Name, err)
		}
		return nil
	case rec.EncryptionType.IsNamedSecretStore():
		return s.deleteExternal(ctx, rec, cfg)
	}
	return nil
}

// RevealRecord decrypts rec under the config it is stored with.
func (s *Store) RevealRecord(ctx context.Context, rec *secret.EncryptedRecord) ([]byte, error) {
	cfg, err := s.configOf(ctx, rec)
	if err != nil {
		return nil, err
	}
	return s.reveal(ctx, rec, cfg)
}

// SealRecord encrypts plaintext for rec under config toID.
func (s *Store) SealRecord(ctx context.Context, rec *secret.EncryptedRecord, plaintext []byte, toID string) (*secret.EncryptedRecord, error) {
	cfg, err := s.configs.ResolveByID(ctx, rec.AccountID, toID)
	if err != nil {
		return nil, err
	}
	if cfg.IsReadOnly {
		return nil, secret.ValidationError{Field: "toId", Message: fmt.Sprintf("secret manager %s is read-only", cfg.Name)}
	}
	return s.seal(ctx, rec, plaintext, cfg, rec)
}

// DiscardRecord removes the external copy or blob rec points at.
func (s *Store) DiscardRecord(ctx context.Context, rec *secret.EncryptedRecord) error {
	cfg, err := s.configOf(ctx, rec)
	if err != nil {
		return err
	}
	return s.discard(ctx, rec, cfg)
}
