package secretstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/secret"
)

// SecretFile is the input of SaveFile and UpdateFile. A nil Content on
// update keeps the current file.
type SecretFile struct {
	Name         string
	Content      io.Reader
	Restrictions *secret.UsageRestrictions
	KmsID        string

	// RuntimeParameters supplies the templatized fields of the secret
	// manager for this call.
	RuntimeParameters map[string]string
}

func (s *Store) readContent(r io.Reader) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, s.maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	if int64(len(content)) > s.maxFileSize {
		return nil, secret.ValidationError{Field: "content", Message: fmt.Sprintf("file exceeds the maximum size of %d bytes", s.maxFileSize)}
	}
	return content, nil
}

// SaveFile stores a new file and returns its id.
func (s *Store) SaveFile(ctx context.Context, accountID string, in SecretFile) (string, error) {
	ctx = secret.WithRuntimeParameters(ctx, in.RuntimeParameters)
	if err := validateName(in.Name); err != nil {
		return "", err
	}
	if in.Content == nil {
		return "", secret.ValidationError{Field: "content", Message: "a file needs content"}
	}
	content, err := s.readContent(in.Content)
	if err != nil {
		return "", err
	}
	defer secure.Zero(content)

	cfg, err := s.target(ctx, accountID, in.KmsID)
	if err != nil {
		return "", err
	}
	if err := s.checkTarget(cfg, ""); err != nil {
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
		Type:              secret.TypeConfigFile,
		UsageRestrictions: in.Restrictions.Clone(),
		Enabled:           true,
		CreatedAt:         now,
		CreatedBy:         actor.UserID,
		UpdatedAt:         now,
		UpdatedBy:         actor.UserID,
	}
	sealed, err := s.seal(ctx, rec, content, cfg, nil)
	if err != nil {
		return "", err
	}

	if err := s.store.CreateRecord(ctx, sealed); err != nil {
		s.cleanup(ctx, sealed, cfg)
		if errors.Is(err, storage.ErrDuplicate) {
			return "", secret.ValidationError{Field: "name", Message: fmt.Sprintf("a secret named %q already exists", in.Name)}
		}
		return "", fmt.Errorf("failed to save file %s: %w", in.Name, err)
	}

	s.changeLog(ctx, sealed, "Created")
	s.log(ctx).Info("file created",
		zap.String("account", accountID),
		zap.String("id", sealed.ID),
		zap.Int64("size", sealed.FileSize),
		zap.String("encryptionType", string(cfg.EncryptionType)),
	)
	return sealed.ID, nil
}

// UpdateFile replaces the content, name or restrictions of a file. It
// returns false when the file does not exist.
func (s *Store) UpdateFile(ctx context.Context, accountID, id string, in SecretFile) (bool, error) {
	ctx = secret.WithRuntimeParameters(ctx, in.RuntimeParameters)
	rec, err := s.load(ctx, accountID, id)
	if secret.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Type != secret.TypeConfigFile {
		return false, secret.ValidationError{Field: "id", Message: fmt.Sprintf("%s is a %s, not a file", rec.Name, rec.Type)}
	}

	name := in.Name
	if name == "" {
		name = rec.Name
	}
	nameChanged := name != rec.Name
	fileChanged := in.Content != nil
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

	var content []byte
	if fileChanged {
		if content, err = s.readContent(in.Content); err != nil {
			return false, err
		}
		defer secure.Zero(content)
	}

	var desc string
	switch {
	case fileChanged && nameChanged:
		desc = "Changed Name and File"
	case fileChanged:
		desc = "Changed File"
	}
	var rest changes
	rest.add(nameChanged && !fileChanged, "name")
	rest.add(restrictionsChanged, "usage restrictions")
	switch {
	case desc == "":
		desc = rest.String()
	case restrictionsChanged:
		desc += " & usage restrictions"
	}
	if desc == "" {
		return true, nil
	}

	next := rec.Clone()
	next.Name = name
	next.UsageRestrictions = in.Restrictions.Clone()

	renamesExternal := nameChanged && rec.EncryptionType.IsNamedSecretStore()
	var oldCfg, newCfg *secret.SecretManagerConfig
	if fileChanged || renamesExternal {
		if oldCfg, err = s.configOf(ctx, rec); err != nil {
			return false, err
		}
		newCfg = oldCfg
		if rec.EncryptionType == secret.EncryptionLocal {
			if newCfg, err = s.configs.ResolveDefault(ctx, accountID); err != nil {
				return false, err
			}
		}
		if err := s.checkTarget(newCfg, ""); err != nil {
			return false, err
		}
		if !fileChanged {
			if content, err = s.reveal(ctx, rec, oldCfg); err != nil {
				return false, err
			}
			defer secure.Zero(content)
		}
		if next, err = s.seal(ctx, next, content, newCfg, rec); err != nil {
			return false, err
		}
	}

	next.UpdatedAt = s.now().UTC()
	next.UpdatedBy = secret.ActorFrom(ctx).UserID
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
			return false, fmt.Errorf("file %s changed while it was being updated, retry: %w", rec.Name, err)
		}
		return false, fmt.Errorf("failed to update file %s: %w", rec.Name, err)
	}
	if newCfg != nil && separateCopy(rec, next) {
		s.cleanup(ctx, rec, oldCfg)
	}

	s.changeLog(ctx, next, desc)
	s.log(ctx).Info("file updated",
		zap.String("account", accountID),
		zap.String("id", id),
		zap.String("change", desc),
	)
	return true, nil
}

// DeleteFile removes a file and its content. It returns false when the file
// does not exist and fails while anything references it.
func (s *Store) DeleteFile(ctx context.Context, accountID, id string) (bool, error) {
	return s.deleteRecord(ctx, accountID, id, secret.TypeConfigFile)
}
