package secretstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/secret"
)

// AddReference records that parentID uses the secret id. A referenced
// secret cannot be deleted, and its usage restrictions cannot be narrowed,
// until every reference is removed. Adding an existing reference is a no-op.
func (s *Store) AddReference(ctx context.Context, accountID, id, parentID string) error {
	return s.reference(ctx, accountID, id, parentID, true)
}

// RemoveReference drops a reference added by AddReference. Removing one that
// does not exist is a no-op.
func (s *Store) RemoveReference(ctx context.Context, accountID, id, parentID string) error {
	return s.reference(ctx, accountID, id, parentID, false)
}

func (s *Store) reference(ctx context.Context, accountID, id, parentID string, add bool) error {
	if parentID == "" {
		return secret.ValidationError{Field: "parentId", Message: "must not be empty"}
	}
	rec, err := s.load(ctx, accountID, id)
	if err != nil {
		return err
	}

	op, update := "remove", s.store.RemoveParent
	if add {
		op, update = "add", s.store.AddParent
	}
	if err := update(ctx, accountID, id, parentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return secret.NotFoundError{Kind: "secret", ID: id}
		}
		return fmt.Errorf("failed to %s reference %s on %s: %w", op, parentID, rec.Name, err)
	}
	s.log(ctx).Debug("secret reference updated",
		zap.String("account", accountID),
		zap.String("id", id),
		zap.String("parent", parentID),
		zap.String("op", op),
	)
	return nil
}
