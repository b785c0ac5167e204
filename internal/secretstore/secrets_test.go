package secretstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/pkg/secret"
)

func TestLocalSaveListDecrypt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db-password", Value: "hunter2"})
	require.NoError(t, err)

	rec := f.record(t, id)
	assert.Equal(t, secret.EncryptionLocal, rec.EncryptionType)
	assert.Equal(t, acct, rec.KmsID)
	assert.NotContains(t, rec.EncryptedValue, "hunter2")

	page, err := f.store.ListSecrets(ctx, acct, secretstore.ListFilter{IsAccountAdmin: true})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, secret.Mask, page.Records[0].EncryptedValue)
	assert.Equal(t, secret.Mask, page.Records[0].EncryptionKey)

	got, err := f.store.GetSecret(ctx, acct, id)
	require.NoError(t, err)
	assert.Equal(t, secret.Mask, got.EncryptedValue)

	plain, err := f.store.Decrypt(ctx, acct, id)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))
	assert.Equal(t, "Created", f.lastChange(t, id))
}

func TestSaveValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    secretstore.SecretText
		field string
	}{
		{"illegal_character", secretstore.SecretText{Name: "bad;name", Value: "v"}, "name"},
		{"dot", secretstore.SecretText{Name: "a.b", Value: "v"}, "name"},
		{"empty_name", secretstore.SecretText{Name: " ", Value: "v"}, "name"},
		{"no_value", secretstore.SecretText{Name: "n"}, "value"},
		{"mask_value", secretstore.SecretText{Name: "n", Value: secret.Mask}, "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.addKMS(t, true)

			_, err := f.store.SaveSecret(context.Background(), acct, tt.in)
			var verr secret.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Zero(t, f.kms.Calls("Encrypt"), "validation runs before any backend call")
		})
	}
}

func TestSaveDuplicateName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "dup", Value: "a"})
	require.NoError(t, err)
	_, err = f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "dup", Value: "b"})
	assert.True(t, secret.IsValidation(err))
}

func TestSaveToExplicitConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	kmsID := f.addKMS(t, false)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "api-key", Value: "k", KmsID: kmsID})
	require.NoError(t, err)
	assert.Equal(t, secret.EncryptionKMS, f.record(t, id).EncryptionType)
	assert.Equal(t, 1, f.kms.Calls("Encrypt"))

	_, err = f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "other", Value: "k", KmsID: "missing"})
	assert.True(t, secret.IsNotFound(err))
}

func TestVaultPathSyntax(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addVault(t, true, false)

	for _, path := range []string{"secret/db", "secret/db#"} {
		_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "ref", Path: path})
		assert.True(t, secret.IsValidation(err), path)
	}
	assert.Zero(t, f.vault.Calls("Encrypt"))

	_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "ref", Path: "secret/db#password"})
	assert.Error(t, err, "the path must resolve")

	f.vault.Put("secret/db#password", "from-vault")
	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "ref", Path: "secret/db#password"})
	require.NoError(t, err)
	plain, err := f.store.Decrypt(ctx, acct, id)
	require.NoError(t, err)
	assert.Equal(t, "from-vault", string(plain))
}

func TestReadOnlyVaultOnlyTakesReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	vaultID := f.addVault(t, false, true)

	_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "inline", Value: "v", KmsID: vaultID})
	assert.True(t, secret.IsValidation(err))

	f.vault.Put("kv/app#token", "t")
	_, err = f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "ref", Path: "kv/app#token", KmsID: vaultID})
	assert.NoError(t, err)
}

func TestReferencesOnLocalAreRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.store.SaveSecret(context.Background(), acct, secretstore.SecretText{Name: "ref", Path: "a#b"})
	assert.True(t, secret.IsValidation(err))
}

func TestNameOnlyUpdateSkipsBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addKMS(t, true)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "old", Value: "v"})
	require.NoError(t, err)
	before := f.record(t, id)
	encrypts, decrypts := f.kms.Calls("Encrypt"), f.kms.Calls("Decrypt")

	ok, err := f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Name: "new", Value: secret.Mask})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, encrypts, f.kms.Calls("Encrypt"))
	assert.Equal(t, decrypts, f.kms.Calls("Decrypt"))
	after := f.record(t, id)
	assert.Equal(t, "new", after.Name)
	assert.Equal(t, before.EncryptedValue, after.EncryptedValue)
	assert.Equal(t, "Changed name", f.lastChange(t, id))
}

func TestUpdateChangeLogs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   secretstore.SecretText
		want string
	}{
		{"value", secretstore.SecretText{Value: "v2"}, "Changed value"},
		{"name_and_value", secretstore.SecretText{Name: "renamed", Value: "v2"}, "Changed name & value"},
		{"restrictions", secretstore.SecretText{Restrictions: appOnly("billing")}, "Changed usage restrictions"},
		{"value_and_restrictions", secretstore.SecretText{Value: "v2", Restrictions: appOnly("billing")}, "Changed value & usage restrictions"},
		{"everything", secretstore.SecretText{Name: "renamed", Value: "v2", Restrictions: appOnly("billing")}, "Changed name & value & usage restrictions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)

			id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "s", Value: "v1"})
			require.NoError(t, err)
			ok, err := f.store.UpdateSecret(ctx, acct, id, tt.in)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, f.lastChange(t, id))
		})
	}
}

func TestUpdateWithoutChangesWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "s", Value: "v"})
	require.NoError(t, err)
	ok, err := f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Value: secret.Mask})
	require.NoError(t, err)
	assert.True(t, ok)

	logs, err := f.mem.ListChangeLogs(ctx, acct, id)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestUpdateMissingReturnsFalse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ok, err := f.store.UpdateSecret(context.Background(), acct, "nope", secretstore.SecretText{Value: "v"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.store.DeleteSecret(context.Background(), acct, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalValueUpdateMovesToDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "s", Value: "v1"})
	require.NoError(t, err)
	kmsID := f.addKMS(t, true)

	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Restrictions: appOnly("x")})
	require.NoError(t, err)
	assert.Equal(t, secret.EncryptionLocal, f.record(t, id).EncryptionType, "restrictions alone do not re-encrypt")

	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Value: "v2", Restrictions: appOnly("x")})
	require.NoError(t, err)
	rec := f.record(t, id)
	assert.Equal(t, secret.EncryptionKMS, rec.EncryptionType)
	assert.Equal(t, kmsID, rec.KmsID)

	plain, err := f.store.Decrypt(ctx, acct, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(plain))
}

func TestNamedStoreRenameMovesExternalSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	vaultID := f.addVault(t, true, false)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db", Value: "pw"})
	require.NoError(t, err)
	_, ok := f.vault.Value(vaultID + "/db")
	require.True(t, ok)

	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Name: "db2"})
	require.NoError(t, err)

	_, ok = f.vault.Value(vaultID + "/db")
	assert.False(t, ok, "the old external secret is removed")
	v, ok := f.vault.Value(vaultID + "/db2")
	assert.True(t, ok)
	assert.Equal(t, "pw", v)
	assert.Equal(t, 1, f.vault.Calls("Decrypt"))
	assert.Equal(t, 1, f.vault.Calls("DeleteExternal"))
}

func TestNamedStoreValueUpdateKeepsKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	vaultID := f.addVault(t, true, false)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db", Value: "pw"})
	require.NoError(t, err)
	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Value: "pw2"})
	require.NoError(t, err)

	v, _ := f.vault.Value(vaultID + "/db")
	assert.Equal(t, "pw2", v)
	assert.Zero(t, f.vault.Calls("DeleteExternal"))
}

func TestInlineToReferenceDeletesExternal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	vaultID := f.addVault(t, true, false)
	f.vault.Put("kv/shared#token", "shared")

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "tok", Value: "mine"})
	require.NoError(t, err)
	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Path: "kv/shared#token"})
	require.NoError(t, err)

	_, ok := f.vault.Value(vaultID + "/tok")
	assert.False(t, ok)
	assert.Equal(t, "Changed path", f.lastChange(t, id))
	plain, err := f.store.Decrypt(ctx, acct, id)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(plain))
}

func TestReferenceRecordsNeverReachBackendOnUpdateOrDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addVault(t, true, false)
	f.vault.Put("kv/app#token", "t")

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "ref", Path: "kv/app#token"})
	require.NoError(t, err)
	calls := f.vault.Calls("Encrypt") + f.vault.Calls("Decrypt")

	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Name: "ref2", Restrictions: appOnly("a")})
	require.NoError(t, err)
	ok, err := f.store.DeleteSecret(ctx, acct, id)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, calls, f.vault.Calls("Encrypt")+f.vault.Calls("Decrypt"))
	assert.Zero(t, f.vault.Calls("DeleteExternal"))
	_, held := f.vault.Value("kv/app#token")
	assert.True(t, held)
}

func TestInlineValueNeverOverwritesForeignVaultSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, server := newVaultServerFixture(t)
	f.addVault(t, true, false)
	const external = "secret/data/dsvault/db-pass"
	server.Put(external, map[string]interface{}{"value": "ORIGINAL"})

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db-pass", Path: "db-pass#value"})
	require.NoError(t, err)

	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Value: "mine"})
	assert.True(t, secret.IsValidation(err), "got %v", err)
	assert.Equal(t, 1, server.Versions(external))
	assert.Equal(t, "db-pass#value", f.record(t, id).Path)

	_, err = f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db-pass", Value: "other"})
	assert.Error(t, err)

	ok, err := f.store.DeleteSecret(ctx, acct, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, server.Versions(external))

	_, err = f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db-pass", Value: "other"})
	assert.True(t, secret.IsValidation(err), "got %v", err)
	assert.Equal(t, 1, server.Versions(external))
}

func TestInlineVaultSecretRewritesItsOwnPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, server := newVaultServerFixture(t)
	f.addVault(t, true, false)
	const path = "secret/data/dsvault/api-key"

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "api-key", Value: "v1"})
	require.NoError(t, err)
	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Value: "v2"})
	require.NoError(t, err)
	assert.Equal(t, 2, server.Versions(path))

	plain, err := f.store.Decrypt(ctx, acct, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(plain))

	ok, err := f.store.DeleteSecret(ctx, acct, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, server.Versions(path))
}

func TestTemplatizedManagerTakesRuntimeParameters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, server := newVaultServerFixture(t)
	kmsID, err := f.configs.Save(ctx, &secret.SecretManagerConfig{
		AccountID:         acct,
		Name:              "per-team vault",
		EncryptionType:    secret.EncryptionVault,
		TemplatizedFields: []string{secret.CredAuthToken},
		Settings:          map[string]string{"vaultUrl": "https://vault.example.com"},
	}, nil)
	require.NoError(t, err)
	params := map[string]string{secret.CredAuthToken: "s.root"}

	_, err = f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db", Value: "pw", KmsID: kmsID})
	require.True(t, secret.IsValidation(err), "got %v", err)
	assert.Zero(t, server.Versions("secret/data/dsvault/db"))

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db", Value: "pw", KmsID: kmsID, RuntimeParameters: params})
	require.NoError(t, err)
	assert.Equal(t, 1, server.Versions("secret/data/dsvault/db"))

	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Value: "pw2"})
	assert.True(t, secret.IsValidation(err), "got %v", err)
	_, err = f.store.UpdateSecret(ctx, acct, id, secretstore.SecretText{Value: "pw2", RuntimeParameters: params})
	require.NoError(t, err)

	withParams := secret.WithRuntimeParameters(ctx, params)
	plain, err := f.store.Decrypt(withParams, acct, id)
	require.NoError(t, err)
	assert.Equal(t, "pw2", string(plain))

	_, err = f.store.DeleteSecret(ctx, acct, id)
	assert.True(t, secret.IsValidation(err), "got %v", err)
	ok, err := f.store.DeleteSecret(withParams, acct, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, server.Versions("secret/data/dsvault/db"))
}

func TestDeleteReferencedSecretFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addVault(t, true, false)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db", Value: "pw"})
	require.NoError(t, err)
	require.NoError(t, f.store.AddReference(ctx, acct, id, "service-1"))
	before := f.record(t, id)

	ok, err := f.store.DeleteSecret(ctx, acct, id)
	assert.False(t, ok)
	assert.True(t, secret.IsValidation(err))
	assert.Equal(t, before, f.record(t, id))
	assert.Zero(t, f.vault.Calls("DeleteExternal"))

	require.NoError(t, f.store.RemoveReference(ctx, acct, id, "service-1"))
	ok, err = f.store.DeleteSecret(ctx, acct, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddAndRemoveReference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db", Value: "pw", Restrictions: appOnly("a")})
	require.NoError(t, err)

	require.NoError(t, f.store.AddReference(ctx, acct, id, "svc-1"))
	require.NoError(t, f.store.AddReference(ctx, acct, id, "svc-1"))
	require.NoError(t, f.store.AddReference(ctx, acct, id, "svc-2"))
	assert.Equal(t, []string{"svc-1", "svc-2"}, f.record(t, id).ParentIDs)

	require.NoError(t, f.store.RemoveReference(ctx, acct, id, "svc-1"))
	require.NoError(t, f.store.RemoveReference(ctx, acct, id, "svc-missing"))
	assert.Equal(t, []string{"svc-2"}, f.record(t, id).ParentIDs)

	tests := []struct {
		name   string
		ctx    context.Context
		id     string
		parent string
		check  func(error) bool
	}{
		{"unknown secret", ctx, "nope", "svc", secret.IsNotFound},
		{"empty parent", ctx, id, "", secret.IsValidation},
		{"out of scope", member("b"), id, "svc", func(err error) bool { return secret.KindOf(err) == secret.KindAuthorization }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.store.AddReference(tt.ctx, acct, tt.id, tt.parent)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
	assert.Equal(t, []string{"svc-2"}, f.record(t, id).ParentIDs)
}

func TestDeleteNamedStoreRemovesExternalFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addVault(t, true, false)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "db", Value: "pw"})
	require.NoError(t, err)

	f.vault.SetError("DeleteExternal", secret.BackendFatalError{Backend: secret.EncryptionVault, Op: "delete", Err: assert.AnError})
	_, err = f.store.DeleteSecret(ctx, acct, id)
	require.Error(t, err)
	f.record(t, id)

	f.vault.SetError("DeleteExternal", nil)
	ok, err := f.store.DeleteSecret(ctx, acct, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.vault.Len())
	assert.Equal(t, "Deleted", f.lastChange(t, id))
}

func TestScopeEnforcement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "billing-key", Value: "v", Restrictions: appOnly("billing")})
	require.NoError(t, err)

	_, err = f.store.Decrypt(member("billing"), acct, id)
	assert.NoError(t, err)

	_, err = f.store.Decrypt(member("search"), acct, id)
	assert.Equal(t, secret.KindAuthorization, secret.KindOf(err))

	_, err = f.store.UpdateSecret(member("billing"), acct, id, secretstore.SecretText{})
	assert.Equal(t, secret.KindAuthorization, secret.KindOf(err), "a member cannot make a secret account-wide")

	_, err = f.store.SaveSecret(member("billing"), acct, secretstore.SecretText{Name: "x", Value: "v", Restrictions: appOnly("search")})
	assert.Equal(t, secret.KindAuthorization, secret.KindOf(err))
}
