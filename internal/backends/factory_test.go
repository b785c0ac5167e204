package backends_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/dsvault/internal/backends"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
	"github.com/systmms/dsvault/tests/fakes"
)

func TestNewSet_RegistersEveryType(t *testing.T) {
	t.Parallel()

	set := backends.NewSet(backends.Options{
		MasterKey:        masterKey(t),
		GCPKMS:           []backends.GCPKMSOption{backends.WithGCPKMSClient(fakes.NewFakeGCPKMSClient())},
		GCPSecretManager: []backends.GCPSecretManagerOption{backends.WithGCPSecretManagerClient(fakes.NewFakeGCPSecretManagerClient())},
	})
	defer set.Close()

	assert.ElementsMatch(t, []secret.EncryptionType{
		secret.EncryptionLocal,
		secret.EncryptionKMS,
		secret.EncryptionGCPKMS,
		secret.EncryptionVault,
		secret.EncryptionAWSSecretsManager,
		secret.EncryptionAzureVault,
		secret.EncryptionGCPSecretsManager,
	}, set.Registry.SupportedTypes())

	b, err := set.Registry.Get(secret.EncryptionVault)
	assert.NoError(t, err)
	_, ok := b.(backend.ChangeLogSource)
	assert.True(t, ok)
}
