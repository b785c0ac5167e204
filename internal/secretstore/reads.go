package secretstore

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

const (
	// DefaultPageSize applies when ListFilter.PageSize is unset.
	DefaultPageSize = 50
	maxBatchSize    = 1000
)

// ListFilter selects a page of secrets.
type ListFilter struct {
	// Type limits the listing to one kind; empty lists texts and files.
	Type           secret.SettingType
	ScopeContext   secret.ScopeContext
	IsAccountAdmin bool
	Offset         int
	PageSize       int

	// Details also counts every record the caller can see into Page.Total.
	Details bool
}

// Page is one page of masked records.
type Page struct {
	Records []*secret.EncryptedRecord `json:"records"`

	// NextOffset is where the following page starts.
	NextOffset int `json:"nextOffset"`

	// Total is only set when details were requested.
	Total int `json:"total,omitempty"`
}

// GetSecret returns the masked record.
func (s *Store) GetSecret(ctx context.Context, accountID, id string) (*secret.EncryptedRecord, error) {
	rec, err := s.load(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	return rec.Masked(), nil
}

// Decrypt returns the plaintext of a secret, or the content of a file.
func (s *Store) Decrypt(ctx context.Context, accountID, id string) ([]byte, error) {
	rec, err := s.load(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	cfg, err := s.configOf(ctx, rec)
	if err != nil {
		return nil, err
	}
	plain, err := s.reveal(ctx, rec, cfg)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Debug("secret decrypted", zap.String("account", accountID), zap.String("id", id))
	return plain, nil
}

// ListSecrets returns the records visible in f.ScopeContext. Records are
// filtered before the page is cut, so the store is read in batches of twice
// the page size until the page is full or the records run out.
func (s *Store) ListSecrets(ctx context.Context, accountID string, f ListFilter) (Page, error) {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	batch := 2 * pageSize
	if batch > maxBatchSize {
		batch = maxBatchSize
	}
	types := []secret.SettingType{secret.TypeSecretText, secret.TypeConfigFile}
	if f.Type != "" {
		types = []secret.SettingType{f.Type}
	}

	page := Page{Records: make([]*secret.EncryptedRecord, 0, pageSize)}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	page.NextOffset = offset

	for {
		recs, err := s.store.ListRecords(ctx, storage.RecordQuery{
			AccountID: accountID,
			Types:     types,
			Offset:    offset,
			Limit:     batch,
		})
		if err != nil {
			return Page{}, fmt.Errorf("failed to list secrets: %w", err)
		}

		examined := 0
		for _, rec := range recs {
			if len(page.Records) == pageSize {
				break
			}
			examined++
			if s.validator.HasAccess(ctx, accountID, f.IsAccountAdmin, f.ScopeContext, rec.UsageRestrictions) {
				page.Records = append(page.Records, rec.Masked())
			}
		}
		page.NextOffset = offset + examined

		if len(recs) < batch || len(page.Records) >= pageSize {
			break
		}
		offset += len(recs)
	}

	if f.Details {
		total, err := s.countVisible(ctx, accountID, types, f)
		if err != nil {
			return Page{}, err
		}
		page.Total = total
	}
	return page, nil
}

func (s *Store) countVisible(ctx context.Context, accountID string, types []secret.SettingType, f ListFilter) (int, error) {
	total := 0
	for offset := 0; ; offset += maxBatchSize {
		recs, err := s.store.ListRecords(ctx, storage.RecordQuery{AccountID: accountID, Types: types, Offset: offset, Limit: maxBatchSize})
		if err != nil {
			return 0, fmt.Errorf("failed to count secrets: %w", err)
		}
		for _, rec := range recs {
			if s.validator.HasAccess(ctx, accountID, f.IsAccountAdmin, f.ScopeContext, rec.UsageRestrictions) {
				total++
			}
		}
		if len(recs) < maxBatchSize {
			return total, nil
		}
	}
}

// ChangeLogs returns the audit trail of a record, newest first. Backends
// that keep their own version history contribute it as external entries.
func (s *Store) ChangeLogs(ctx context.Context, accountID, id string) ([]*secret.SecretChangeLog, error) {
	rec, err := s.load(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListChangeLogs(ctx, accountID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list change logs of %s: %w", rec.Name, err)
	}

	b, err := s.backend(rec.EncryptionType)
	if err != nil {
		return logs, nil
	}
	source, ok := b.(backend.ChangeLogSource)
	if !ok {
		return logs, nil
	}
	cfg, err := s.configOf(ctx, rec)
	if secret.IsValidation(err) {
		// a templatized manager without runtime values has no history to show
		return logs, nil
	}
	if err != nil {
		return nil, err
	}
	external, err := source.VersionChangeLogs(ctx, rec, cfg)
	if err != nil {
		s.log(ctx).Warn("failed to read backend version history",
			zap.String("record", rec.ID),
			zap.Error(err),
		)
		return logs, nil
	}

	logs = append(logs, external...)
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
	return logs, nil
}
