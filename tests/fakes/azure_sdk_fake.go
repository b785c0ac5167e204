package fakes

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// FakeAzureKeyVaultClient is an in-memory Key Vault. Every SetSecret adds a
// version; GetSecret with an empty version returns the latest.
type FakeAzureKeyVaultClient struct {
	calls

	mu      sync.Mutex
	secrets map[string]*fakeAzureSecret
}

type fakeAzureSecret struct {
	versions []string
	tags     map[string]*string
}

// NewFakeAzureKeyVaultClient creates an empty fake.
func NewFakeAzureKeyVaultClient() *FakeAzureKeyVaultClient {
	return &FakeAzureKeyVaultClient{secrets: make(map[string]*fakeAzureSecret)}
}

// AddSecretString seeds a secret with one version.
func (f *FakeAzureKeyVaultClient) AddSecretString(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[name] = &fakeAzureSecret{versions: []string{value}}
}

// Versions returns how many versions a secret has.
func (f *FakeAzureKeyVaultClient) Versions(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.secrets[name]; ok {
		return len(s.versions)
	}
	return 0
}

// Tags returns the tags of the latest write.
func (f *FakeAzureKeyVaultClient) Tags(name string) map[string]*string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.secrets[name]; ok {
		return s.tags
	}
	return nil
}

// AzureNotFound builds the error Key Vault returns for a missing secret.
func AzureNotFound() error {
	return &azcore.ResponseError{
		ErrorCode:  "SecretNotFound",
		StatusCode: http.StatusNotFound,
	}
}

func azureSecretID(name string, version int) *azsecrets.ID {
	id := azsecrets.ID(fmt.Sprintf("https://fake-vault.vault.azure.net/secrets/%s/v%d", name, version))
	return &id
}

// GetSecret returns the latest, or the named ("v1", "v2", ...), version.
func (f *FakeAzureKeyVaultClient) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	if err := f.record("GetSecret"); err != nil {
		return azsecrets.GetSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok || len(s.versions) == 0 {
		return azsecrets.GetSecretResponse{}, AzureNotFound()
	}
	idx := len(s.versions)
	if version != "" {
		if _, err := fmt.Sscanf(version, "v%d", &idx); err != nil || idx < 1 || idx > len(s.versions) {
			return azsecrets.GetSecretResponse{}, AzureNotFound()
		}
	}
	return azsecrets.GetSecretResponse{
		Secret: azsecrets.Secret{
			ID:    azureSecretID(name, idx),
			Value: to.Ptr(s.versions[idx-1]),
			Tags:  s.tags,
		},
	}, nil
}

// SetSecret adds a version, creating the secret on first write.
func (f *FakeAzureKeyVaultClient) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	if err := f.record("SetSecret"); err != nil {
		return azsecrets.SetSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok {
		s = &fakeAzureSecret{}
		f.secrets[name] = s
	}
	s.versions = append(s.versions, *parameters.Value)
	s.tags = parameters.Tags
	return azsecrets.SetSecretResponse{
		Secret: azsecrets.Secret{ID: azureSecretID(name, len(s.versions)), Tags: s.tags},
	}, nil
}

// DeleteSecret removes a secret and all its versions.
func (f *FakeAzureKeyVaultClient) DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	if err := f.record("DeleteSecret"); err != nil {
		return azsecrets.DeleteSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[name]; !ok {
		return azsecrets.DeleteSecretResponse{}, AzureNotFound()
	}
	delete(f.secrets, name)
	return azsecrets.DeleteSecretResponse{}, nil
}
