package backends

import (
	"context"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultClientAPI is the subset of the Vault client dsvault uses.
type VaultClientAPI interface {
	Read(ctx context.Context, path string) (*vaultapi.Secret, error)
	Write(ctx context.Context, path string, data map[string]interface{}) (*vaultapi.Secret, error)
	Delete(ctx context.Context, path string) (*vaultapi.Secret, error)
	RenewSelf(ctx context.Context, increment int) (*vaultapi.Secret, error)
	SetToken(token string)
	Token() string
}

// defaultVaultClient adapts *vaultapi.Client to VaultClientAPI.
type defaultVaultClient struct {
	client *vaultapi.Client
}

func newDefaultVaultClient(client *vaultapi.Client) VaultClientAPI {
	return &defaultVaultClient{client: client}
}

func (c *defaultVaultClient) Read(ctx context.Context, path string) (*vaultapi.Secret, error) {
	return c.client.Logical().ReadWithContext(ctx, path)
}

func (c *defaultVaultClient) Write(ctx context.Context, path string, data map[string]interface{}) (*vaultapi.Secret, error) {
	return c.client.Logical().WriteWithContext(ctx, path, data)
}

func (c *defaultVaultClient) Delete(ctx context.Context, path string) (*vaultapi.Secret, error) {
	return c.client.Logical().DeleteWithContext(ctx, path)
}

func (c *defaultVaultClient) RenewSelf(ctx context.Context, increment int) (*vaultapi.Secret, error) {
	return c.client.Auth().Token().RenewSelfWithContext(ctx, increment)
}

func (c *defaultVaultClient) SetToken(token string) {
	c.client.SetToken(token)
}

func (c *defaultVaultClient) Token() string {
	return c.client.Token()
}
