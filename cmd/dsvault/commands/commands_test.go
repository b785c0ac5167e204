package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/backends"
	"github.com/systmms/dsvault/internal/config"
	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/internal/logging"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/secret"
	"github.com/systmms/dsvault/tests/fakes"
)

const testAccount = "acct-1"

type harness struct {
	rt    *Runtime
	mem   *storage.Memory
	kms   *fakes.FakeKMSClient
	vault *fakes.FakeVaultServer
}

func newHarness(t *testing.T, accountID string) *harness {
	t.Helper()
	key, err := secure.NewRandomKey(secure.KeySize)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)

	h := &harness{
		mem:   storage.NewMemory(),
		kms:   fakes.NewFakeKMSClient(),
		vault: fakes.NewFakeVaultServer("root-token"),
	}
	cfg := &config.Config{
		Logger:     logging.NewNop(),
		AccountID:  accountID,
		UserID:     "alice",
		Definition: &config.Definition{},
	}
	h.rt = &Runtime{Config: cfg}
	h.rt.Open = func(ctx context.Context) (*App, error) {
		return NewApp(cfg, h.mem, key, backends.Options{
			KMS: []backends.KMSOption{backends.WithKMSClient(h.kms)},
			Vault: []backends.VaultOption{backends.WithVaultClientFactory(func(*secret.SecretManagerConfig) (backends.VaultClientAPI, error) {
				return h.vault.NewClient(), nil
			})},
		})
	}
	return h
}

func (h *harness) root() *cobra.Command {
	root := &cobra.Command{Use: "dsvault", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(
		NewSecretCommand(h.rt),
		NewFileCommand(h.rt),
		NewManagerCommand(h.rt),
		NewTransitionCommand(h.rt),
		NewAccountCommand(h.rt),
		NewServeCommand(h.rt),
	)
	return root
}

func (h *harness) exec(ctx context.Context, stdin string, args ...string) (string, error) {
	root := h.root()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (h *harness) run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.exec(context.Background(), "", args...)
	require.NoError(t, err, out)
	return out
}

func TestSecretCommandLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	id := strings.TrimSpace(h.run(t, "secret", "save", "--name", "db-password", "--value", "pw1"))
	require.NotEmpty(t, id)

	out := h.run(t, "secret", "get", id)
	assert.Contains(t, out, `"name": "db-password"`)
	assert.Contains(t, out, secret.Mask)
	assert.NotContains(t, out, "pw1")

	assert.Equal(t, "pw1", h.run(t, "secret", "decrypt", id))

	h.run(t, "secret", "update", id, "--value", "pw2")
	assert.Equal(t, "pw2", h.run(t, "secret", "decrypt", id))

	logs := h.run(t, "secret", "logs", id)
	assert.Contains(t, logs, "Changed value")
	assert.Contains(t, logs, "alice")

	list := h.run(t, "secret", "list", "--details")
	assert.Contains(t, list, "db-password")
	assert.Contains(t, list, "Total: 1")

	h.run(t, "secret", "delete", id)
	_, err := h.exec(context.Background(), "", "secret", "decrypt", id)
	var userErr dserrors.UserError
	require.ErrorAs(t, err, &userErr)
}

func TestSecretSaveReadsStdin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	out, err := h.exec(context.Background(), "from-stdin\n", "secret", "save", "--name", "token", "--value", "-")
	require.NoError(t, err)

	assert.Equal(t, "from-stdin", h.run(t, "secret", "decrypt", strings.TrimSpace(out)))
}

func TestSecretUpdateKeepsRestrictions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	id := strings.TrimSpace(h.run(t, "secret", "save", "--name", "scoped", "--value", "v", "--scope", "billing:prod"))
	h.run(t, "secret", "update", id, "--name", "renamed")

	rec, err := h.mem.GetRecord(context.Background(), testAccount, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", rec.Name)
	require.NotNil(t, rec.UsageRestrictions)
	assert.Equal(t, []secret.Scope{{AppID: "billing", EnvID: "prod"}}, rec.UsageRestrictions.Scopes)

	h.run(t, "secret", "update", id, "--account-wide")
	rec, err = h.mem.GetRecord(context.Background(), testAccount, id)
	require.NoError(t, err)
	assert.Nil(t, rec.UsageRestrictions)

	list := h.run(t, "secret", "list", "--app", "other")
	assert.Contains(t, list, "renamed")
}

func TestSecretCommandErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		account string
		args    []string
		message string
	}{
		{"no_value", testAccount, []string{"secret", "save", "--name", "x"}, "A value or a path is required"},
		{"illegal_name", testAccount, []string{"secret", "save", "--name", "bad;name", "--value", "v"}, "name"},
		{"bad_scope", testAccount, []string{"secret", "save", "--name", "x", "--value", "v", "--scope", ":"}, "Invalid scope"},
		{"unknown_id", testAccount, []string{"secret", "update", "missing", "--value", "v"}, "missing"},
		{"no_account", "", []string{"secret", "list"}, "Account is required"},
		{"bad_list_type", testAccount, []string{"secret", "list", "--type", "blob"}, "Unknown type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.account)

			_, err := h.exec(context.Background(), "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)

			var userErr dserrors.UserError
			assert.ErrorAs(t, err, &userErr)
		})
	}
}

func TestFileCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)
	dir := t.TempDir()

	src := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(src, []byte("-----BEGIN KEY-----"), 0600))

	id := strings.TrimSpace(h.run(t, "file", "save", "--from", src))
	out := h.run(t, "file", "get", id)
	assert.Contains(t, out, `"name": "tls-key"`)
	assert.Contains(t, out, `"type": "CONFIG_FILE"`)

	dst := filepath.Join(dir, "restored.key")
	h.run(t, "secret", "decrypt", id, "--out", dst)
	restored, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN KEY-----", string(restored))

	_, err = h.exec(context.Background(), "new content", "file", "update", id, "--from", "-")
	require.NoError(t, err)
	assert.Equal(t, "new content", h.run(t, "secret", "decrypt", id))

	logs := h.run(t, "secret", "logs", id)
	assert.Contains(t, logs, "Changed File")

	h.run(t, "file", "delete", id)
	assert.Zero(t, h.mem.BlobCount())
}

func TestSecretReferenceCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	id := strings.TrimSpace(h.run(t, "secret", "save", "--name", "db", "--value", "pw"))
	assert.Contains(t, h.run(t, "secret", "reference", id, "svc-1"), "Added reference svc-1")

	_, err := h.exec(context.Background(), "", "secret", "delete", id)
	require.Error(t, err)

	h.run(t, "secret", "reference", id, "svc-1", "--remove")
	h.run(t, "secret", "delete", id)
}

func TestRuntimeParamFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	vaultID := strings.TrimSpace(h.run(t, "manager", "save",
		"--name", "team-vault", "--type", "VAULT",
		"--setting", "vaultUrl=http://vault.test:8200",
		"--templatized", "authToken",
	))

	_, err := h.exec(context.Background(), "", "secret", "save", "--name", "db", "--value", "pw", "--manager", vaultID)
	require.Error(t, err)

	id := strings.TrimSpace(h.run(t, "secret", "save", "--name", "db", "--value", "pw", "--manager", vaultID,
		"--runtime-param", "authToken=root-token"))
	assert.Equal(t, "pw", h.run(t, "secret", "decrypt", id, "--runtime-param", "authToken=root-token"))
	assert.Equal(t, 1, h.vault.Versions("secret/data/dsvault/db"))
}

func TestDefaultFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "/etc/ssl/tls.key", want: "tls-key"},
		{path: "./app.config.json", want: "app-config-json"},
		{path: "id_rsa", want: "id_rsa"},
		{path: "weird#name?.txt", want: "weird-name--txt"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			got := defaultFileName(tt.path)
			assert.Equal(t, tt.want, got)
			assert.False(t, strings.ContainsAny(got, secret.IllegalNameCharacters))
		})
	}
}

func TestManagerAndTransitionCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	kmsID := strings.TrimSpace(h.run(t, "manager", "save",
		"--name", "prod-kms", "--type", "kms", "--default",
		"--setting", "region=us-east-1", "--setting", "accessKey=AKIAEXAMPLEEXAMPLE",
		"--credential", "secretKey=shh", "--credential", "kmsArn=arn:aws:kms:us-east-1:123456789012:key/test",
	))
	vaultID := strings.TrimSpace(h.run(t, "manager", "save",
		"--name", "vault", "--type", "VAULT",
		"--setting", "vaultUrl=http://vault.test:8200",
		"--credential", "authToken=root-token",
	))

	list := h.run(t, "manager", "list")
	assert.Contains(t, list, "prod-kms")
	assert.Contains(t, list, "secretKey="+secret.Mask)
	assert.NotContains(t, list, "shh")

	id := strings.TrimSpace(h.run(t, "secret", "save", "--name", "db", "--value", "pw"))
	rec, err := h.mem.GetRecord(context.Background(), testAccount, id)
	require.NoError(t, err)
	require.Equal(t, kmsID, rec.KmsID)

	_, err = h.exec(context.Background(), "", "manager", "delete", kmsID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still encrypts")

	out := h.run(t, "transition", "--from-type", "KMS", "--from-id", kmsID, "--to-type", "VAULT", "--to-id", vaultID, "--wait")
	assert.Contains(t, out, "Swapped")
	assert.Contains(t, out, "Transitioned 1 of 1 record(s)")

	rec, err = h.mem.GetRecord(context.Background(), testAccount, id)
	require.NoError(t, err)
	assert.Equal(t, vaultID, rec.KmsID)
	assert.Equal(t, "pw", h.run(t, "secret", "decrypt", id))

	h.run(t, "manager", "default", vaultID)
	h.run(t, "manager", "delete", kmsID)
	assert.NotContains(t, h.run(t, "manager", "list"), "prod-kms")
}

func TestTransitionToSameConfigIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	_, err := h.exec(context.Background(), "", "transition",
		"--from-type", "LOCAL", "--from-id", testAccount, "--to-type", "LOCAL", "--to-id", testAccount)
	require.Error(t, err)
	var userErr dserrors.UserError
	assert.ErrorAs(t, err, &userErr)
}

func TestLocalEncryptionCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)

	h.run(t, "manager", "save", "--name", "vault", "--type", "VAULT", "--default",
		"--setting", "vaultUrl=http://vault.test:8200", "--credential", "authToken=root-token")

	h.run(t, "account", "local-encryption", "on")
	id := strings.TrimSpace(h.run(t, "secret", "save", "--name", "local-only", "--value", "v"))
	rec, err := h.mem.GetRecord(context.Background(), testAccount, id)
	require.NoError(t, err)
	assert.Equal(t, secret.EncryptionLocal, rec.EncryptionType)

	_, err = h.exec(context.Background(), "", "account", "local-encryption", "maybe")
	require.Error(t, err)
}

func TestServeStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testAccount)
	h.rt.Config.Definition.Vault.Renewal.Enabled = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.exec(ctx, "", "serve")
	require.NoError(t, err)
	assert.Contains(t, out, "dsvault is running")
}
