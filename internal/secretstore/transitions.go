package secretstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/secret"
)

// TransitionSecrets enqueues one task per record encrypted with config
// fromID, moving it to config toID, and returns without waiting. When the
// source is a global config, records on every global config of the same
// type move. Backend credential records are never transitioned.
func (s *Store) TransitionSecrets(ctx context.Context, accountID string, fromType secret.EncryptionType, fromID string, toType secret.EncryptionType, toID string) (bool, error) {
	if s.queue == nil {
		return false, fmt.Errorf("transitions are not enabled")
	}
	if fromID == toID {
		return false, secret.ValidationError{Field: "toId", Message: "source and target secret managers are the same"}
	}

	from, err := s.transitionEnd(ctx, accountID, "fromId", fromType, fromID)
	if err != nil {
		return false, err
	}
	to, err := s.transitionEnd(ctx, accountID, "toId", toType, toID)
	if err != nil {
		return false, err
	}

	sources := []string{from.ID}
	if from.IsGlobal() {
		globals, err := s.configs.GlobalConfigsOfType(ctx, from.EncryptionType)
		if err != nil {
			return false, err
		}
		for _, g := range globals {
			if g.ID != from.ID && g.ID != to.ID {
				sources = append(sources, g.ID)
			}
		}
	}

	var tasks []secret.TransitionTask
	for offset := 0; ; offset += maxBatchSize {
		recs, err := s.store.ListRecords(ctx, storage.RecordQuery{
			AccountID: accountID,
			KmsIDs:    sources,
			Types:     []secret.SettingType{secret.TypeSecretText, secret.TypeConfigFile},
			Offset:    offset,
			Limit:     maxBatchSize,
		})
		if err != nil {
			return false, fmt.Errorf("failed to list secrets to transition: %w", err)
		}
		for _, rec := range recs {
			if rec.IsReference() {
				continue
			}
			tasks = append(tasks, secret.TransitionTask{
				ID:        uuid.NewString(),
				AccountID: accountID,
				EntityID:  rec.ID,
				FromType:  rec.EncryptionType,
				FromID:    rec.KmsID,
				ToType:    to.EncryptionType,
				ToID:      to.ID,
				State:     secret.StatePending,
			})
		}
		if len(recs) < maxBatchSize {
			break
		}
	}

	if len(tasks) > 0 {
		if err := s.queue.Enqueue(ctx, tasks...); err != nil {
			return false, err
		}
	}
	s.log(ctx).Info("transition requested",
		zap.String("account", accountID),
		zap.String("from", from.ID),
		zap.String("to", to.ID),
		zap.Int("records", len(tasks)),
	)
	return true, nil
}

func (s *Store) transitionEnd(ctx context.Context, accountID, field string, t secret.EncryptionType, id string) (*secret.SecretManagerConfig, error) {
	cfg, err := s.configs.ResolveByID(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if t != "" && cfg.EncryptionType != t {
		return nil, secret.ValidationError{Field: field, Message: fmt.Sprintf("secret manager %s is %s, not %s", cfg.Name, cfg.EncryptionType, t)}
	}
	if cfg.IsReadOnly {
		return nil, secret.ValidationError{Field: field, Message: fmt.Sprintf("secret manager %s is read-only", cfg.Name)}
	}
	if cfg.IsTemplatized() {
		return nil, secret.ValidationError{Field: field, Message: fmt.Sprintf("secret manager %s is templatized", cfg.Name)}
	}
	return cfg, nil
}
