package secretstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/backends"
	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/internal/smconfig"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/internal/transition"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
	"github.com/systmms/dsvault/tests/fakes"
)

const acct = "acct-1"

type fixture struct {
	mem     *storage.Memory
	configs *smconfig.Registry
	store   *secretstore.Store
	queue   *transition.ChannelQueue

	kms   *fakes.FakeBackend
	vault *fakes.FakeBackend
	asm   *fakes.FakeBackend
}

func fastRetry() secretstore.RetryConfig {
	return secretstore.RetryConfig{MaxAttempts: 3, Interval: time.Millisecond, AttemptTimeout: time.Second}
}

func newFixture(t *testing.T, opts ...secretstore.Option) *fixture {
	t.Helper()
	key, err := secure.NewRandomKey(secure.KeySize)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)

	f := &fixture{
		mem:   storage.NewMemory(),
		queue: transition.NewChannelQueue(100),
		kms:   fakes.NewFakeBackend(secret.EncryptionKMS),
		vault: fakes.NewFakeBackend(secret.EncryptionVault),
		asm:   fakes.NewFakeBackend(secret.EncryptionAWSSecretsManager),
	}
	reg := backend.NewRegistry(backends.NewLocal(key), f.kms, f.vault, f.asm)
	f.configs = smconfig.New(f.mem, reg)

	opts = append([]secretstore.Option{
		secretstore.WithRetry(fastRetry()),
		secretstore.WithQueue(f.queue),
	}, opts...)
	f.store = secretstore.New(f.mem, f.configs, reg, opts...)
	return f
}

// addKMS registers a KMS config for the account and returns its id.
func (f *fixture) addKMS(t *testing.T, isDefault bool) string {
	t.Helper()
	id, err := f.configs.Save(context.Background(), &secret.SecretManagerConfig{
		AccountID:      acct,
		Name:           "aws kms",
		EncryptionType: secret.EncryptionKMS,
		IsDefault:      isDefault,
		Settings:       map[string]string{"region": "us-east-1"},
	}, nil)
	require.NoError(t, err)
	return id
}

// addVault registers a Vault config for the account and returns its id.
func (f *fixture) addVault(t *testing.T, isDefault, readOnly bool) string {
	t.Helper()
	id, err := f.configs.Save(context.Background(), &secret.SecretManagerConfig{
		AccountID:      acct,
		Name:           "vault",
		EncryptionType: secret.EncryptionVault,
		IsDefault:      isDefault,
		IsReadOnly:     readOnly,
		Settings:       map[string]string{"vaultUrl": "https://vault.example.com"},
	}, map[string]string{secret.CredAuthToken: "s.root"})
	require.NoError(t, err)
	return id
}

func (f *fixture) record(t *testing.T, id string) *secret.EncryptedRecord {
	t.Helper()
	rec, err := f.mem.GetRecord(context.Background(), acct, id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) lastChange(t *testing.T, id string) string {
	t.Helper()
	logs, err := f.mem.ListChangeLogs(context.Background(), acct, id)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	return logs[0].Description
}

func transient(op string) error {
	return secret.BackendTransientError{Backend: secret.EncryptionKMS, Op: op, Err: context.DeadlineExceeded}
}

func member(app string) context.Context {
	return secret.WithActor(context.Background(), secret.Actor{
		UserID: "dev-" + app,
		Scope:  secret.ScopeContext{AppID: app, EnvID: "prod"},
	})
}

func appOnly(app string) *secret.UsageRestrictions {
	return &secret.UsageRestrictions{Scopes: []secret.Scope{{AppID: app}}}
}

// newVaultServerFixture wires a real Vault backend over an in-memory server
// in place of the fake Vault backend.
func newVaultServerFixture(t *testing.T) (*fixture, *fakes.FakeVaultServer) {
	t.Helper()
	key, err := secure.NewRandomKey(secure.KeySize)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)

	server := fakes.NewFakeVaultServer("s.root")
	vault := backends.NewVault(backends.NewObserver(nil, nil), backends.WithVaultClientFactory(func(*secret.SecretManagerConfig) (backends.VaultClientAPI, error) {
		return server.NewClient(), nil
	}))
	f := &fixture{
		mem:   storage.NewMemory(),
		queue: transition.NewChannelQueue(100),
	}
	reg := backend.NewRegistry(backends.NewLocal(key), vault)
	f.configs = smconfig.New(f.mem, reg)
	f.store = secretstore.New(f.mem, f.configs, reg, secretstore.WithRetry(fastRetry()), secretstore.WithQueue(f.queue))
	return f, server
}
