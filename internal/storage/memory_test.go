package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/secret"
)

func newRecord(id, account, name, kmsID string) *secret.EncryptedRecord {
	return &secret.EncryptedRecord{
		ID:             id,
		AccountID:      account,
		Name:           name,
		Type:           secret.TypeSecretText,
		EncryptionType: secret.EncryptionLocal,
		KmsID:          kmsID,
		EncryptionKey:  "k",
		EncryptedValue: "v",
		Enabled:        true,
	}
}

func TestMemoryRecordLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	require.NoError(t, m.CreateRecord(ctx, newRecord("r1", "acct", "db", "acct")))
	assert.ErrorIs(t, m.CreateRecord(ctx, newRecord("r2", "acct", "db", "acct")), storage.ErrDuplicate)
	require.NoError(t, m.CreateRecord(ctx, newRecord("r3", "other", "db", "other")))

	got, err := m.GetRecord(ctx, "acct", "r1")
	require.NoError(t, err)
	assert.Equal(t, "db", got.Name)

	_, err = m.GetRecord(ctx, "other", "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	byName, err := m.GetRecordByName(ctx, "other", "db")
	require.NoError(t, err)
	assert.Equal(t, "r3", byName.ID)

	got.Name = "db2"
	require.NoError(t, m.UpdateRecord(ctx, got))
	reloaded, err := m.GetRecord(ctx, "acct", "r1")
	require.NoError(t, err)
	assert.Equal(t, "db2", reloaded.Name)

	require.NoError(t, m.DeleteRecord(ctx, "acct", "r1"))
	assert.ErrorIs(t, m.DeleteRecord(ctx, "acct", "r1"), storage.ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	rec := newRecord("r1", "acct", "db", "acct")
	rec.ParentIDs = []string{"p1"}
	require.NoError(t, m.CreateRecord(ctx, rec))
	rec.ParentIDs[0] = "mutated"

	got, err := m.GetRecord(ctx, "acct", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, got.ParentIDs)
}

func TestMemoryListRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	for i := 0; i < 5; i++ {
		rec := newRecord(fmt.Sprintf("r%d", i), "acct", fmt.Sprintf("s%d", i), "acct")
		if i%2 == 1 {
			rec.KmsID = "kms-1"
		}
		require.NoError(t, m.CreateRecord(ctx, rec))
	}
	file := newRecord("f1", "acct", "file", "acct")
	file.Type = secret.TypeConfigFile
	require.NoError(t, m.CreateRecord(ctx, file))

	tests := []struct {
		name  string
		query storage.RecordQuery
		want  []string
	}{
		{"all", storage.RecordQuery{AccountID: "acct"}, []string{"r0", "r1", "r2", "r3", "r4", "f1"}},
		{"by_kms", storage.RecordQuery{AccountID: "acct", KmsIDs: []string{"kms-1"}}, []string{"r1", "r3"}},
		{"by_type", storage.RecordQuery{AccountID: "acct", Types: []secret.SettingType{secret.TypeConfigFile}}, []string{"f1"}},
		{"paged", storage.RecordQuery{AccountID: "acct", Offset: 2, Limit: 2}, []string{"r2", "r3"}},
		{"past_end", storage.RecordQuery{AccountID: "acct", Offset: 10}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ListRecords(ctx, tt.query)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	n, err := m.CountRecordsByKmsID(ctx, "kms-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemorySwapRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()
	require.NoError(t, m.CreateRecord(ctx, newRecord("r1", "acct", "db", "from")))

	err := m.SwapRecord(ctx, "acct", "r1", "wrong", func(r *secret.EncryptedRecord) error {
		r.KmsID = "to"
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	boom := errors.New("boom")
	err = m.SwapRecord(ctx, "acct", "r1", "from", func(r *secret.EncryptedRecord) error {
		r.KmsID = "to"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, _ := m.GetRecord(ctx, "acct", "r1")
	assert.Equal(t, "from", got.KmsID)

	require.NoError(t, m.SwapRecord(ctx, "acct", "r1", "from", func(r *secret.EncryptedRecord) error {
		r.KmsID = "to"
		return nil
	}))
	got, _ = m.GetRecord(ctx, "acct", "r1")
	assert.Equal(t, "to", got.KmsID)
}

func TestMemoryParents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()
	require.NoError(t, m.CreateRecord(ctx, newRecord("r1", "acct", "db", "acct")))

	require.NoError(t, m.AddParent(ctx, "acct", "r1", "svc"))
	require.NoError(t, m.AddParent(ctx, "acct", "r1", "svc"))
	got, _ := m.GetRecord(ctx, "acct", "r1")
	assert.Equal(t, []string{"svc"}, got.ParentIDs)

	require.NoError(t, m.RemoveParent(ctx, "acct", "r1", "svc"))
	got, _ = m.GetRecord(ctx, "acct", "r1")
	assert.Empty(t, got.ParentIDs)
}

func TestMemoryConfigs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.SaveConfig(ctx, &secret.SecretManagerConfig{ID: "c1", AccountID: "acct", IsDefault: true, CreatedAt: base}))
	require.NoError(t, m.SaveConfig(ctx, &secret.SecretManagerConfig{ID: "c2", AccountID: "acct", IsDefault: true, CreatedAt: base.Add(time.Hour),
		Secrets: map[string]string{"secretKey": "plain"}}))
	require.NoError(t, m.SaveConfig(ctx, &secret.SecretManagerConfig{ID: "g1", AccountID: secret.GlobalAccountID, CreatedAt: base}))

	require.NoError(t, m.ClearDefault(ctx, "acct", "c2"))

	list, err := m.ListConfigs(ctx, []string{"acct"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ID)
	assert.True(t, list[0].IsDefault)
	assert.False(t, list[1].IsDefault)
	assert.Nil(t, list[0].Secrets)

	at := base.Add(2 * time.Hour)
	require.NoError(t, m.UpdateRenewedAt(ctx, "c1", at))
	c1, err := m.GetConfig(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, at, c1.RenewedAt)

	require.NoError(t, m.DeleteConfig(ctx, "c1"))
	_, err = m.GetConfig(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryChangeLogsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	for _, d := range []string{"Created", "Changed value", "Changed name"} {
		require.NoError(t, m.AppendChangeLog(ctx, &secret.SecretChangeLog{AccountID: "acct", EncryptedDataID: "r1", Description: d}))
	}
	require.NoError(t, m.AppendChangeLog(ctx, &secret.SecretChangeLog{AccountID: "acct", EncryptedDataID: "r2", Description: "Created"}))

	logs, err := m.ListChangeLogs(ctx, "acct", "r1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "Changed name", logs[0].Description)
	assert.Equal(t, "Created", logs[2].Description)
}

func TestMemoryAccountsAndBlobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := storage.NewMemory()

	_, err := m.GetAccount(ctx, "acct")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, m.SaveAccount(ctx, &secret.Account{ID: "acct", LocalEncryptionEnabled: true}))
	a, err := m.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, a.LocalEncryptionEnabled)

	h, err := m.PutBlob(ctx, "acct", []byte("content"))
	require.NoError(t, err)
	data, err := m.GetBlob(ctx, "acct", h)
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)

	_, err = m.GetBlob(ctx, "other", h)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, m.DeleteBlob(ctx, "acct", h))
	assert.Equal(t, 0, m.BlobCount())
}
