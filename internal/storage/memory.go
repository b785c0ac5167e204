package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/systmms/dsvault/pkg/secret"
)

// Memory is an in-process Store. Every read and write copies, so callers
// never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]*secret.EncryptedRecord
	configs  map[string]*secret.SecretManagerConfig
	logs     []*secret.SecretChangeLog
	accounts map[string]*secret.Account
	blobs    map[string]blob
	seq      int64
	order    map[string]int64
}

type blob struct {
	accountID string
	data      []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*secret.EncryptedRecord),
		configs:  make(map[string]*secret.SecretManagerConfig),
		accounts: make(map[string]*secret.Account),
		blobs:    make(map[string]blob),
		order:    make(map[string]int64),
	}
}

func (m *Memory) CreateRecord(ctx context.Context, rec *secret.EncryptedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return ErrDuplicate
	}
	for _, r := range m.records {
		if r.AccountID == rec.AccountID && r.Name == rec.Name {
			return ErrDuplicate
		}
	}
	m.seq++
	m.order[rec.ID] = m.seq
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) GetRecord(ctx context.Context, accountID, id string) (*secret.EncryptedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok || r.AccountID != accountID {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) GetRecordByName(ctx context.Context, accountID, name string) (*secret.EncryptedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.AccountID == accountID && r.Name == name {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateRecord(ctx context.Context, rec *secret.EncryptedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.ID]
	if !ok || existing.AccountID != rec.AccountID {
		return ErrNotFound
	}
	for id, r := range m.records {
		if id != rec.ID && r.AccountID == rec.AccountID && r.Name == rec.Name {
			return ErrDuplicate
		}
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) DeleteRecord(ctx context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.AccountID != accountID {
		return ErrNotFound
	}
	delete(m.records, id)
	delete(m.order, id)
	return nil
}

func (m *Memory) ListRecords(ctx context.Context, q RecordQuery) ([]*secret.EncryptedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*secret.EncryptedRecord, 0)
	for _, r := range m.records {
		if q.AccountID != "" && r.AccountID != q.AccountID {
			continue
		}
		if len(q.KmsIDs) > 0 && !containsString(q.KmsIDs, r.KmsID) {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, r.Type) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return m.order[matched[i].ID] < m.order[matched[j].ID]
	})

	if q.Offset >= len(matched) {
		return []*secret.EncryptedRecord{}, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	out := make([]*secret.EncryptedRecord, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *Memory) CountRecordsByKmsID(ctx context.Context, kmsID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.records {
		if r.KmsID == kmsID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SwapRecord(ctx context.Context, accountID, id, expectedKmsID string, fn func(*secret.EncryptedRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.AccountID != accountID {
		return ErrNotFound
	}
	if r.KmsID != expectedKmsID {
		return ErrConflict
	}
	next := r.Clone()
	if err := fn(next); err != nil {
		return err
	}
	m.records[id] = next
	return nil
}

func (m *Memory) AddParent(ctx context.Context, accountID, id, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.AccountID != accountID {
		return ErrNotFound
	}
	if !r.HasParent(parentID) {
		r.ParentIDs = append(r.ParentIDs, parentID)
	}
	return nil
}

func (m *Memory) RemoveParent(ctx context.Context, accountID, id, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.AccountID != accountID {
		return ErrNotFound
	}
	r.ParentIDs = removeString(r.ParentIDs, parentID)
	return nil
}

func (m *Memory) SaveConfig(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cfg.Clone()
	stored.Secrets = nil
	stored.NumOfEncryptedValue = 0
	m.configs[cfg.ID] = stored
	return nil
}

func (m *Memory) GetConfig(ctx context.Context, id string) (*secret.SecretManagerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) ListConfigs(ctx context.Context, accountIDs []string) ([]*secret.SecretManagerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*secret.SecretManagerConfig, 0)
	for _, c := range m.configs {
		if containsString(accountIDs, c.AccountID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteConfig(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[id]; !ok {
		return ErrNotFound
	}
	delete(m.configs, id)
	return nil
}

func (m *Memory) ClearDefault(ctx context.Context, accountID, keepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.configs {
		if c.AccountID == accountID && id != keepID {
			c.IsDefault = false
		}
	}
	return nil
}

func (m *Memory) UpdateRenewedAt(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.configs[id]
	if !ok {
		return ErrNotFound
	}
	c.RenewedAt = at
	return nil
}

func (m *Memory) AppendChangeLog(ctx context.Context, log *secret.SecretChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := *log
	m.logs = append(m.logs, &entry)
	return nil
}

func (m *Memory) ListChangeLogs(ctx context.Context, accountID, recordID string) ([]*secret.SecretChangeLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*secret.SecretChangeLog, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		l := m.logs[i]
		if l.AccountID == accountID && l.EncryptedDataID == recordID {
			entry := *l
			out = append(out, &entry)
		}
	}
	return out, nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*secret.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (m *Memory) SaveAccount(ctx context.Context, account *secret.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *account
	m.accounts[account.ID] = &a
	return nil
}

func (m *Memory) PutBlob(ctx context.Context, accountID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle := uuid.NewString()
	m.blobs[handle] = blob{accountID: accountID, data: append([]byte(nil), data...)}
	return handle, nil
}

func (m *Memory) GetBlob(ctx context.Context, accountID, handle string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blobs[handle]
	if !ok || b.accountID != accountID {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (m *Memory) DeleteBlob(ctx context.Context, accountID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blobs[handle]
	if !ok || b.accountID != accountID {
		return ErrNotFound
	}
	delete(m.blobs, handle)
	return nil
}

// BlobCount returns how many blobs are stored.
func (m *Memory) BlobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []secret.SettingType, t secret.SettingType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
