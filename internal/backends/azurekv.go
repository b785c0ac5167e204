package backends

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// AzureKeyVaultClientAPI is the subset of the Key Vault secrets client dsvault
// uses.
type AzureKeyVaultClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
}

// AzureKeyVaultOption configures the Azure Key Vault backend.
type AzureKeyVaultOption func(*AzureKeyVault)

// WithAzureKeyVaultClient uses client for every config (for testing).
func WithAzureKeyVaultClient(client AzureKeyVaultClientAPI) AzureKeyVaultOption {
	return func(a *AzureKeyVault) {
		a.clients = newClientPool(func(context.Context, *secret.SecretManagerConfig) (AzureKeyVaultClientAPI, error) {
			return client, nil
		}, nil)
	}
}

// AzureKeyVault stores each value as a Key Vault secret.
type AzureKeyVault struct {
	clients *clientPool[AzureKeyVaultClientAPI]
	obs     Observer
}

// NewAzureKeyVault creates the Azure Key Vault backend.
func NewAzureKeyVault(obs Observer, opts ...AzureKeyVaultOption) *AzureKeyVault {
	a := &AzureKeyVault{obs: obs}
	for _, opt := range opts {
		opt(a)
	}
	if a.clients == nil {
		a.clients = newClientPool(newAzureKeyVaultClient, nil)
	}
	return a
}

func newAzureKeyVaultClient(_ context.Context, cfg *secret.SecretManagerConfig) (AzureKeyVaultClientAPI, error) {
	vaultURL := cfg.Setting("vaultUrl", "")
	if vaultURL == "" {
		return nil, secret.ValidationError{Field: "vaultUrl", Message: "Azure Key Vault secret manager needs vaultUrl"}
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	switch {
	case cfg.Setting("useManagedIdentity", "") == "true":
		var opts *azidentity.ManagedIdentityCredentialOptions
		if id := cfg.Setting("userAssignedId", ""); id != "" {
			opts = &azidentity.ManagedIdentityCredentialOptions{ID: azidentity.ClientID(id)}
		}
		cred, err = azidentity.NewManagedIdentityCredential(opts)
	case cfg.Secret(secret.CredClientSecret) != "":
		cred, err = azidentity.NewClientSecretCredential(
			cfg.Setting("tenantId", ""), cfg.Setting("clientId", ""), cfg.Secret(secret.CredClientSecret), nil)
	default:
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return client, nil
}

func (a *AzureKeyVault) Type() secret.EncryptionType { return secret.EncryptionAzureVault }

// keyVaultName maps a record name onto the characters Key Vault accepts.
func keyVaultName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// parseKeyVaultReference splits "name[/version][#field]".
func parseKeyVaultReference(ref string) (name, version, field string) {
	ref, field = splitReference(ref)
	if idx := strings.Index(ref, "/"); idx != -1 {
		return ref[:idx], ref[idx+1:], field
	}
	return ref, "", field
}

// Locate reports the Key Vault secret name an inline value of name is
// stored under and whether it already exists.
func (a *AzureKeyVault) Locate(ctx context.Context, name string, cfg *secret.SecretManagerConfig) (string, bool, error) {
	client, err := a.clients.get(ctx, cfg)
	if err != nil {
		return "", false, fatal(secret.EncryptionAzureVault, "client", err)
	}
	key := keyVaultName(name)
	exists := true
	err = a.obs.call(ctx, secret.EncryptionAzureVault, "get_secret", name, func(ctx context.Context) error {
		_, err := client.GetSecret(ctx, key, "", nil)
		if azureNotFound(err) {
			exists = false
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, err
	}
	return key, exists, nil
}

func (a *AzureKeyVault) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	if req.Path != "" {
		if _, err := a.fetch(ctx, cfg, req.Path, req.Name); err != nil {
			return backend.Ciphertext{}, err
		}
		return backend.Ciphertext{}, nil
	}
	client, err := a.clients.get(ctx, cfg)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionAzureVault, "client", err)
	}

	name := keyVaultName(req.Name)
	var id string
	err = a.obs.call(ctx, secret.EncryptionAzureVault, "set_secret", req.Name, func(ctx context.Context) error {
		resp, err := client.SetSecret(ctx, name, azsecrets.SetSecretParameters{
			Value: to.Ptr(string(req.Value)),
			Tags: map[string]*string{
				"createdBy": to.Ptr("dsvault"),
				"type":      to.Ptr(string(req.Type)),
			},
		}, nil)
		if err == nil && resp.ID != nil {
			id = string(*resp.ID)
		}
		return err
	})
	if err != nil {
		return backend.Ciphertext{}, err
	}
	return backend.Ciphertext{EncryptionKey: name, EncryptedValue: id}, nil
}

func (a *AzureKeyVault) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	if rec.IsReference() {
		return a.fetch(ctx, cfg, rec.Path, rec.Name)
	}
	return a.fetch(ctx, cfg, rec.EncryptionKey, rec.Name)
}

func (a *AzureKeyVault) fetch(ctx context.Context, cfg *secret.SecretManagerConfig, ref, recordName string) ([]byte, error) {
	name, version, field := parseKeyVaultReference(ref)
	if name == "" {
		return nil, secret.ValidationError{Field: "path", Message: "secret reference needs a secret name"}
	}
	client, err := a.clients.get(ctx, cfg)
	if err != nil {
		return nil, fatal(secret.EncryptionAzureVault, "client", err)
	}

	var resp azsecrets.GetSecretResponse
	err = a.obs.call(ctx, secret.EncryptionAzureVault, "get_secret", recordName, func(ctx context.Context) error {
		var err error
		resp, err = client.GetSecret(ctx, name, version, nil)
		if azureNotFound(err) {
			return fatal(secret.EncryptionAzureVault, "get_secret", fmt.Errorf("secret '%s' not found", name))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, fatal(secret.EncryptionAzureVault, "get_secret", fmt.Errorf("secret '%s' has no value", name))
	}

	value := *resp.Value
	if field != "" {
		if value, err = extractJSONField(value, field); err != nil {
			return nil, fatal(secret.EncryptionAzureVault, "get_secret", fmt.Errorf("secret '%s': %w", name, err))
		}
	}
	return []byte(value), nil
}

func (a *AzureKeyVault) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	if rec.IsReference() || rec.EncryptionKey == "" {
		return nil
	}
	client, err := a.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionAzureVault, "client", err)
	}
	return a.obs.call(ctx, secret.EncryptionAzureVault, "delete_secret", rec.Name, func(ctx context.Context) error {
		_, err := client.DeleteSecret(ctx, rec.EncryptionKey, nil)
		if azureNotFound(err) {
			return nil
		}
		return err
	})
}

// Validate looks up a name that never exists; any answer short of a 404 means
// the vault is unreachable or the credential is refused.
func (a *AzureKeyVault) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	client, err := a.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionAzureVault, "client", err)
	}
	return a.obs.call(ctx, secret.EncryptionAzureVault, "get_secret", cfg.Name, func(ctx context.Context) error {
		_, err := client.GetSecret(ctx, "dsvault-connectivity-check", "", nil)
		if err == nil || azureNotFound(err) {
			return nil
		}
		return err
	})
}
