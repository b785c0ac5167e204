package backends_test

import (
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/backends"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

var obs = backends.NewObserver(nil, nil)

func masterKey(t *testing.T) *secure.SecureBuffer {
	t.Helper()
	key, err := secure.NewRandomKey(secure.KeySize)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	return key
}

func textRequest(name, value string) backend.EncryptRequest {
	return backend.EncryptRequest{
		AccountID: "acct-1",
		Name:      name,
		Value:     []byte(value),
		Type:      secret.TypeSecretText,
	}
}

// recordFor builds the record a store would persist for ct.
func recordFor(id, name string, t secret.EncryptionType, ct backend.Ciphertext) *secret.EncryptedRecord {
	return &secret.EncryptedRecord{
		ID:             id,
		AccountID:      "acct-1",
		Name:           name,
		Type:           secret.TypeSecretText,
		EncryptionType: t,
		EncryptionKey:  ct.EncryptionKey,
		EncryptedValue: ct.EncryptedValue,
	}
}

func azsecretsParams(value string) azsecrets.SetSecretParameters {
	return azsecrets.SetSecretParameters{Value: &value}
}
