package backends_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/backends"
	"github.com/systmms/dsvault/pkg/secret"
	"github.com/systmms/dsvault/tests/fakes"
)

func vaultConfig(settings map[string]string) *secret.SecretManagerConfig {
	s := map[string]string{"vaultUrl": "http://vault.test:8200"}
	for k, v := range settings {
		s[k] = v
	}
	return &secret.SecretManagerConfig{
		ID:             "vault-1",
		AccountID:      "acct-1",
		Name:           "vault",
		EncryptionType: secret.EncryptionVault,
		Settings:       s,
		Secrets:        map[string]string{secret.CredAuthToken: "root-token"},
	}
}

func newVault(server *fakes.FakeVaultServer) *backends.Vault {
	return backends.NewVault(obs, backends.WithVaultClientFactory(func(*secret.SecretManagerConfig) (backends.VaultClientAPI, error) {
		return server.NewClient(), nil
	}))
}

func TestVault_KVv2RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	cfg := vaultConfig(nil)

	ct, err := v.Encrypt(ctx, textRequest("db-pass", "hunter2"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "/dsvault/db-pass#value", ct.EncryptionKey)
	assert.Equal(t, ct.EncryptionKey, ct.EncryptedValue)
	assert.Equal(t, 1, server.Versions("secret/data/dsvault/db-pass"))

	got, err := v.Decrypt(ctx, recordFor("r1", "db-pass", secret.EncryptionVault, ct), cfg)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))
}

func TestVault_KVv1Layout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	cfg := vaultConfig(map[string]string{
		"secretEngineName":    "kv",
		"secretEngineVersion": "1",
		"basePath":            "apps/team",
	})

	ct, err := v.Encrypt(ctx, textRequest("token", "abc"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "/apps/team/token#value", ct.EncryptionKey)

	got, err := v.Decrypt(ctx, recordFor("r1", "token", secret.EncryptionVault, ct), cfg)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	require.NoError(t, v.DeleteExternal(ctx, recordFor("r1", "token", secret.EncryptionVault, ct), cfg))
	_, err = v.Decrypt(ctx, recordFor("r1", "token", secret.EncryptionVault, ct), cfg)
	assert.Equal(t, secret.KindFatal, secret.KindOf(err))
}

func TestVault_References(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := fakes.NewFakeVaultServer("root-token")
	server.Put("secret/data/shared/db", map[string]interface{}{"password": "p@ss", "user": "app"})
	v := newVault(server)
	cfg := vaultConfig(nil)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr secret.Kind
	}{
		{name: "absolute", path: "/shared/db#password", want: "p@ss"},
		{name: "other_key", path: "/shared/db#user", want: "app"},
		{name: "missing_key", path: "/shared/db#nope", wantErr: secret.KindFatal},
		{name: "missing_secret", path: "/shared/none#password", wantErr: secret.KindFatal},
		{name: "no_separator", path: "/shared/db", wantErr: secret.KindValidation},
		{name: "empty_key", path: "/shared/db#", wantErr: secret.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := textRequest("ref", "")
			req.Path = tt.path
			ct, err := v.Encrypt(ctx, req, cfg)
			if tt.wantErr != secret.KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, secret.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Empty(t, ct.EncryptionKey)

			rec := recordFor("r", "ref", secret.EncryptionVault, ct)
			rec.Path = tt.path
			got, err := v.Decrypt(ctx, rec, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestVault_RelativeReferenceUsesBasePath(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	server.Put("secret/data/dsvault/app/cfg", map[string]interface{}{"url": "postgres://x"})
	v := newVault(server)

	rec := &secret.EncryptedRecord{ID: "r", AccountID: "acct-1", Name: "url", Path: "app/cfg#url"}
	got, err := v.Decrypt(context.Background(), rec, vaultConfig(nil))
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", string(got))
}

func TestVault_Locate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := fakes.NewFakeVaultServer("root-token")
	server.Put("secret/data/dsvault/taken", map[string]interface{}{"value": "x"})
	server.Put("secret/data/dsvault/gone", map[string]interface{}{"value": "x"})
	server.SoftDelete("secret/data/dsvault/gone")
	v := newVault(server)

	tests := []struct {
		name   string
		key    string
		exists bool
	}{
		{name: "taken", key: "/dsvault/taken#value", exists: true},
		{name: "gone", key: "/dsvault/gone#value", exists: false},
		{name: "free", key: "/dsvault/free#value", exists: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, exists, err := v.Locate(ctx, tt.name, vaultConfig(nil))
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.exists, exists)
		})
	}
}

func TestVault_ReadOnlyRejectsInlineValues(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	cfg := vaultConfig(nil)
	cfg.IsReadOnly = true

	_, err := v.Encrypt(context.Background(), textRequest("x", "v"), cfg)
	assert.Equal(t, secret.KindValidation, secret.KindOf(err))
	assert.Zero(t, server.Calls("Write"))
}

func TestVault_DeleteExternalSkipsReferences(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	rec := &secret.EncryptedRecord{ID: "r", Name: "x", Path: "/shared/db#password"}

	require.NoError(t, v.DeleteExternal(context.Background(), rec, vaultConfig(nil)))
	assert.Zero(t, server.Calls("Delete"))
}

func TestVault_AppRoleLoginAndRenew(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := fakes.NewFakeVaultServer()
	server.RoleID, server.SecretID = "role", "secret"
	v := newVault(server)

	cfg := vaultConfig(map[string]string{"appRoleId": "role"})
	cfg.Secrets = map[string]string{secret.CredSecretID: "secret"}

	_, err := v.Encrypt(ctx, textRequest("x", "v1"), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, server.Logins())

	server.RevokeToken("approle-token-1")
	require.NoError(t, v.Renew(ctx, cfg))
	assert.Equal(t, 2, server.Logins())

	_, err = v.Encrypt(ctx, textRequest("x", "v2"), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, server.Versions("secret/data/dsvault/x"))
}

func TestVault_SlowLoginDoesNotBlockOtherConfigs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := fakes.NewFakeVaultServer("root-token")
	release := make(chan struct{})
	v := backends.NewVault(obs, backends.WithVaultClientFactory(func(cfg *secret.SecretManagerConfig) (backends.VaultClientAPI, error) {
		if cfg.ID == "slow" {
			<-release
		}
		return server.NewClient(), nil
	}))

	slow := vaultConfig(nil)
	slow.ID = "slow"
	slowDone := make(chan error, 1)
	go func() {
		_, err := v.Encrypt(ctx, textRequest("a", "v"), slow)
		slowDone <- err
	}()

	fastDone := make(chan error, 1)
	go func() {
		_, err := v.Encrypt(ctx, textRequest("b", "v"), vaultConfig(nil))
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("a pending login stalled another config")
	}
	close(release)
	require.NoError(t, <-slowDone)
}

func TestVault_ConcurrentCallsShareOneLogin(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer()
	server.RoleID, server.SecretID = "role", "secret"
	v := newVault(server)

	cfg := vaultConfig(map[string]string{"appRoleId": "role"})
	cfg.Secrets = map[string]string{secret.CredSecretID: "secret"}

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := v.Encrypt(context.Background(), textRequest(fmt.Sprintf("k%d", i), "v"), cfg)
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, server.Logins())
}

func TestVault_BadAppRoleCredentials(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer()
	server.RoleID, server.SecretID = "role", "secret"
	v := newVault(server)

	cfg := vaultConfig(map[string]string{"appRoleId": "role"})
	cfg.Secrets = map[string]string{secret.CredSecretID: "wrong"}

	_, err := v.Encrypt(context.Background(), textRequest("x", "v"), cfg)
	assert.Equal(t, secret.KindFatal, secret.KindOf(err))
}

func TestVault_TokenRenewal(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)

	require.NoError(t, v.Renew(context.Background(), vaultConfig(nil)))
	assert.Equal(t, 1, server.Renewals())
}

func TestVault_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
		want secret.Kind
	}{
		{"throttled", http.StatusTooManyRequests, secret.KindTransient},
		{"sealed", http.StatusServiceUnavailable, secret.KindTransient},
		{"forbidden", http.StatusForbidden, secret.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := fakes.NewFakeVaultServer("root-token")
			server.SetError("Write", &vaultapi.ResponseError{StatusCode: tt.code})
			v := newVault(server)

			_, err := v.Encrypt(context.Background(), textRequest("x", "v"), vaultConfig(nil))
			assert.Equal(t, tt.want, secret.KindOf(err))
		})
	}
}

func TestVault_VersionChangeLogs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	cfg := vaultConfig(nil)

	ct, err := v.Encrypt(ctx, textRequest("db", "a"), cfg)
	require.NoError(t, err)
	_, err = v.Encrypt(ctx, textRequest("db", "b"), cfg)
	require.NoError(t, err)
	server.SoftDelete("secret/data/dsvault/db")

	logs, err := v.VersionChangeLogs(ctx, recordFor("r1", "db", secret.EncryptionVault, ct), cfg)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	assert.Equal(t, "Created in Vault", logs[0].Description)
	assert.Equal(t, "Updated to version 2 in Vault", logs[1].Description)
	assert.Equal(t, "Deleted at version 2 in Vault", logs[2].Description)
	for _, l := range logs {
		assert.True(t, l.External)
		assert.Equal(t, secret.ExternalUser, l.User)
		assert.Equal(t, "r1", l.EncryptedDataID)
	}
	assert.True(t, logs[0].CreatedAt.Before(logs[2].CreatedAt))
}

func TestVault_VersionChangeLogsSkipsKVv1(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	cfg := vaultConfig(map[string]string{"secretEngineVersion": "1"})

	logs, err := v.VersionChangeLogs(context.Background(), &secret.EncryptedRecord{ID: "r", EncryptionKey: "/dsvault/x#value"}, cfg)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Zero(t, server.Calls("Read"))
}

type stubResolver struct {
	cfg *secret.SecretManagerConfig
	err error
}

func (s stubResolver) ResolveByID(context.Context, string, string) (*secret.SecretManagerConfig, error) {
	return s.cfg, s.err
}

type renewals struct {
	ids []string
}

func (r *renewals) UpdateRenewedAt(_ context.Context, id string, _ time.Time) error {
	r.ids = append(r.ids, id)
	return nil
}

func TestRenewer_RenewNow(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	store := &renewals{}
	r := backends.NewRenewer(v, stubResolver{cfg: vaultConfig(nil)}, store, obs,
		backends.RenewerConfig{Interval: time.Hour, Attempts: 3, Backoff: time.Millisecond})

	require.NoError(t, r.RenewNow(context.Background(), "acct-1", "vault-1"))
	assert.Equal(t, []string{"vault-1"}, store.ids)
	assert.Equal(t, 1, server.Renewals())
}

func TestRenewer_RetriesThenGivesUp(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	server.SetError("RenewSelf", &vaultapi.ResponseError{StatusCode: http.StatusBadGateway})
	v := newVault(server)
	store := &renewals{}
	r := backends.NewRenewer(v, stubResolver{cfg: vaultConfig(nil)}, store, obs,
		backends.RenewerConfig{Interval: time.Hour, Attempts: 3, Backoff: time.Millisecond})

	require.Error(t, r.RenewNow(context.Background(), "acct-1", "vault-1"))
	assert.Equal(t, 3, server.Calls("RenewSelf"))
	assert.Empty(t, store.ids)
}

func TestRenewer_ResolverErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	v := newVault(fakes.NewFakeVaultServer("root-token"))
	r := backends.NewRenewer(v, stubResolver{err: errors.New("gone")}, &renewals{}, obs,
		backends.RenewerConfig{Interval: time.Hour, Attempts: 3, Backoff: time.Millisecond})

	assert.EqualError(t, r.RenewNow(context.Background(), "acct-1", "vault-1"), "gone")
}

func TestRenewer_WatchRenewsOnInterval(t *testing.T) {
	t.Parallel()

	server := fakes.NewFakeVaultServer("root-token")
	v := newVault(server)
	r := backends.NewRenewer(v, stubResolver{cfg: vaultConfig(nil)}, &renewals{}, obs,
		backends.RenewerConfig{Interval: 10 * time.Millisecond, Attempts: 1, Backoff: time.Millisecond})
	defer r.Stop()

	r.Watch(context.Background(), vaultConfig(nil))
	assert.Eventually(t, func() bool { return server.Renewals() >= 2 }, time.Second, 5*time.Millisecond)
}
