package secretstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/secret"
)

// SaveSecret stores a new secret text and returns its id. When in.Path is
// set the secret is a reference to a value that already lives in the
// backend and in.Value is ignored.
func (s *Store) SaveSecret(ctx context.Context, accountID string, in SecretText) (string, error) {
	ctx = secret.WithRuntimeParameters(ctx, in.RuntimeParameters)
	if err := validateName(in.Name); err != nil {
		return "", err
	}
	if in.Path == "" && in.Value == "" {
		return "", secret.ValidationError{Field: "value", Message: "a secret needs a value or a path"}
	}
	if in.Value == secret.Mask {
		return "", secret.ValidationError{Field: "value", Message: "the value cannot be the mask placeholder"}
	}

	cfg, err := s.target(ctx, accountID, in.KmsID)
	if err != nil {
		return "", err
	}
	if err := s.checkTarget(cfg, in.Path); err != nil {
		return "", err
	}
	if err := s.checkRestrictions(ctx, accountID, nil, in.Restrictions, nil); err != nil {
		return "", err
	}
	if err := s.checkUnique(ctx, accountID, in.Name); err != nil {
		return "", err
	}

	now := s.now().UTC()
	actor := secret.ActorFrom(ctx)
	rec := &secret.EncryptedRecord{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		Name:              in.Name,
		Type:              secret.TypeSecretText,
		Path:              in.Path,
		Parameters:        append([]string(nil), in.Parameters...),
		UsageRestrictions: in.Restrictions.Clone(),
		Enabled:           true,
		CreatedAt:         now,
		CreatedBy:         actor.UserID,
		UpdatedAt:         now,
		UpdatedBy:         actor.UserID,
	}

	var value []byte
	if in.Path == "" {
		value = []byte(in.Value)
	}
	sealed, err := s.seal(ctx, rec, value, cfg, nil)
	if err != nil {
		return "", err
	}

	if err := s.store.CreateRecord(ctx, sealed); err != nil {
		s.cleanup(ctx, sealed, cfg)
		if errors.Is(err, storage.ErrDuplicate) {
			return "", secret.ValidationError{Field: "name", Message: fmt.Sprintf("a secret named %q already exists", in.Name)}
		}
		return "", fmt.Errorf("failed to save secret %s: %w", in.Name, err)
	}

	s.changeLog(ctx, sealed, "Created")
	s.log(ctx).Info("secret created",
		zap.String("account", accountID),
		zap.String("id", sealed.ID),
		zap.String("encryptionType", string(cfg.EncryptionType)),
		zap.Bool("reference", sealed.IsReference()),
	)
	return sealed.ID, nil
}

// checkTarget rejects writes the config cannot take.
func (s *Store) checkTarget(cfg *secret.SecretManagerConfig, path string) error {
	if path == "" {
		if cfg.IsReadOnly {
			return secret.ValidationError{Field: "value", Message: fmt.Sprintf("secret manager %s is read-only and only accepts path references", cfg.Name)}
		}
		return nil
	}
	if !cfg.EncryptionType.IsNamedSecretStore() {
		return secret.ValidationError{Field: "path", Message: fmt.Sprintf("%s secret managers do not support references", cfg.EncryptionType)}
	}
	if cfg.EncryptionType == secret.EncryptionVault {
		return validateVaultPath(path)
	}
	return nil
}

// cleanup removes what seal wrote when the record could not be persisted.
func (s *Store) cleanup(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) {
	if err := s.discard(ctx, rec, cfg); err != nil {
		s.log(ctx).Warn("failed to remove orphaned ciphertext",
			zap.String("record", rec.Name),
			zap.Error(err),
		)
	}
}

// UpdateSecret applies in to the secret id. It returns false when the secret
// does not exist. An empty or masked in.Value keeps the current value, and a
// change of name or restrictions alone never reaches the backend, except for
// a rename on a named store where the name is the external key.
func (s *Store) UpdateSecret(ctx context.Context, accountID, id string, in SecretText) (bool, error) {
	ctx = secret.WithRuntimeParameters(ctx, in.RuntimeParameters)
	rec, err := s.load(ctx, accountID, id)
	if secret.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Type != secret.TypeSecretText {
		return false, secret.ValidationError{Field: "id", Message: fmt.Sprintf("%s is a %s, not a secret text", rec.Name, rec.Type)}
	}

	name := in.Name
	if name == "" {
		name = rec.Name
	}
	nameChanged := name != rec.Name
	valueChanged := in.Value != "" && in.Value != secret.Mask
	newPath := in.Path
	if newPath == "" && !valueChanged {
		newPath = rec.Path
	}
	pathChanged := newPath != rec.Path
	restrictionsChanged := !in.Restrictions.Equal(rec.UsageRestrictions)

	if nameChanged {
		if err := validateName(name); err != nil {
			return false, err
		}
		if err := s.checkUnique(ctx, accountID, name); err != nil {
			return false, err
		}
	}
	if restrictionsChanged {
		if err := s.checkRestrictions(ctx, accountID, rec.UsageRestrictions, in.Restrictions, rec.ParentIDs); err != nil {
			return false, err
		}
	}

	var desc changes
	desc.add(nameChanged, "name")
	desc.add(valueChanged, "value")
	desc.add(pathChanged, "path")
	desc.add(restrictionsChanged, "usage restrictions")
	if len(desc) == 0 {
		return true, nil
	}

	next := rec.Clone()
	next.Name = name
	next.Path = newPath
	next.UsageRestrictions = in.Restrictions.Clone()
	if in.Parameters != nil {
		next.Parameters = append([]string(nil), in.Parameters...)
	}

	renamesExternal := nameChanged && !rec.IsReference() && rec.EncryptionType.IsNamedSecretStore()
	var oldCfg, newCfg *secret.SecretManagerConfig
	if valueChanged || pathChanged || renamesExternal {
		if oldCfg, err = s.configOf(ctx, rec); err != nil {
			return false, err
		}
		newCfg = oldCfg
		if rec.EncryptionType == secret.EncryptionLocal {
			if newCfg, err = s.configs.ResolveDefault(ctx, accountID); err != nil {
				return false, err
			}
		}
		if err := s.checkTarget(newCfg, newPath); err != nil {
			return false, err
		}

		var value []byte
		switch {
		case newPath != "":
		case valueChanged:
			value = []byte(in.Value)
		default:
			if value, err = s.reveal(ctx, rec, oldCfg); err != nil {
				return false, err
			}
		}
		if next, err = s.seal(ctx, next, value, newCfg, rec); err != nil {
			return false, err
		}
	}

	actor := secret.ActorFrom(ctx)
	next.UpdatedAt = s.now().UTC()
	next.UpdatedBy = actor.UserID
	err = s.store.SwapRecord(ctx, accountID, id, rec.KmsID, func(r *secret.EncryptedRecord) error {
		if r.EncryptedValue != rec.EncryptedValue || r.Name != rec.Name {
			return storage.ErrConflict
		}
		parents := r.ParentIDs
		*r = *next.Clone()
		r.ParentIDs = parents
		return nil
	})
	if err != nil {
		if newCfg != nil && separateCopy(next, rec) {
			s.cleanup(ctx, next, newCfg)
		}
		if errors.Is(err, storage.ErrConflict) {
			return false, fmt.Errorf("secret %s changed while it was being updated, retry: %w", rec.Name, err)
		}
		return false, fmt.Errorf("failed to update secret %s: %w", rec.Name, err)
	}

	if newCfg != nil && separateCopy(rec, next) {
		s.cleanup(ctx, rec, oldCfg)
	}

	s.changeLog(ctx, next, desc.String())
	s.log(ctx).Info("secret updated",
		zap.String("account", accountID),
		zap.String("id", id),
		zap.String("change", desc.String()),
		zap.Bool("reencrypted", newCfg != nil),
	)
	return true, nil
}

// DeleteSecret removes a secret text. It returns false when the secret does
// not exist and fails while anything references it. A secret held by a
// templatized secret manager needs its runtime values in ctx, see
// secret.WithRuntimeParameters.
func (s *Store) DeleteSecret(ctx context.Context, accountID, id string) (bool, error) {
	return s.deleteRecord(ctx, accountID, id, secret.TypeSecretText)
}

func (s *Store) deleteRecord(ctx context.Context, accountID, id string, typ secret.SettingType) (bool, error) {
	rec, err := s.load(ctx, accountID, id)
	if secret.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Type != typ {
		return false, secret.ValidationError{Field: "id", Message: fmt.Sprintf("%s is a %s, not a %s", rec.Name, rec.Type, typ)}
	}
	if len(rec.ParentIDs) > 0 {
		return false, secret.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("%s is still referenced by %d entit(ies) and cannot be deleted", rec.Name, len(rec.ParentIDs)),
		}
	}

	cfg, err := s.configOf(ctx, rec)
	if err != nil {
		return false, err
	}
	blobBacked := rec.Type == secret.TypeConfigFile && rec.EncryptionType.UsesBlobStore()
	if !blobBacked {
		if err := s.discard(ctx, rec, cfg); err != nil {
			return false, err
		}
	}

	if err := s.store.DeleteRecord(ctx, accountID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete %s: %w", rec.Name, err)
	}
	if blobBacked {
		s.cleanup(ctx, rec, cfg)
	}

	s.changeLog(ctx, rec, "Deleted")
	s.log(ctx).Info("secret deleted", zap.String("account", accountID), zap.String("id", id), zap.String("type", string(typ)))
	return true, nil
}

// separateCopy reports whether a owns an external secret or blob that b
// does not share, so removing a's copy leaves b intact.
func separateCopy(a, b *secret.EncryptedRecord) bool {
	switch {
	case a.IsReference():
		return false
	case a.Type == secret.TypeConfigFile && a.EncryptionType.UsesBlobStore(),
		a.EncryptionType.IsNamedSecretStore():
		return !a.SharesExternalCopy(b)
	}
	return false
}
