package backends

import (
	"context"
	"fmt"

	gcpkms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// GCPKMSClientAPI is the subset of the Cloud KMS client dsvault uses.
type GCPKMSClientAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
	GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error)
	Close() error
}

type realGCPKMSClient struct {
	*gcpkms.KeyManagementClient
}

func (r *realGCPKMSClient) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	return r.KeyManagementClient.Encrypt(ctx, req)
}

func (r *realGCPKMSClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	return r.KeyManagementClient.Decrypt(ctx, req)
}

func (r *realGCPKMSClient) GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	return r.KeyManagementClient.GetCryptoKey(ctx, req)
}

// GCPKMSOption configures the GCP KMS backend.
type GCPKMSOption func(*GCPKMS)

// WithGCPKMSClient uses client for every config (for testing).
func WithGCPKMSClient(client GCPKMSClientAPI) GCPKMSOption {
	return func(g *GCPKMS) {
		g.clients = newClientPool(func(context.Context, *secret.SecretManagerConfig) (GCPKMSClientAPI, error) {
			return client, nil
		}, nil)
	}
}

// GCPKMS wraps a local data key with a Cloud KMS symmetric key.
type GCPKMS struct {
	clients *clientPool[GCPKMSClientAPI]
	obs     Observer
}

// NewGCPKMS creates the GCP KMS backend.
func NewGCPKMS(obs Observer, opts ...GCPKMSOption) *GCPKMS {
	g := &GCPKMS{obs: obs}
	for _, opt := range opts {
		opt(g)
	}
	if g.clients == nil {
		g.clients = newClientPool(newGCPKMSClient, func(c GCPKMSClientAPI) { _ = c.Close() })
	}
	return g
}

func newGCPKMSClient(ctx context.Context, cfg *secret.SecretManagerConfig) (GCPKMSClientAPI, error) {
	opts, err := gcpClientOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := gcpkms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud KMS client: %w", err)
	}
	return &realGCPKMSClient{KeyManagementClient: client}, nil
}

func (g *GCPKMS) Type() secret.EncryptionType { return secret.EncryptionGCPKMS }

// cryptoKeyName returns the full key resource name, either given directly or
// assembled from its parts.
func cryptoKeyName(cfg *secret.SecretManagerConfig) (string, error) {
	if name := cfg.Setting("keyName", ""); name != "" {
		return name, nil
	}
	project := cfg.Setting("projectId", "")
	ring := cfg.Setting("keyRing", "")
	key := cfg.Setting("keyId", "")
	if project == "" || ring == "" || key == "" {
		return "", secret.ValidationError{Field: "keyName", Message: "GCP KMS secret manager needs keyName or projectId, keyRing and keyId"}
	}
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
		project, cfg.Setting("region", "global"), ring, key), nil
}

func (g *GCPKMS) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	if req.Path != "" {
		return backend.Ciphertext{}, referenceUnsupported(secret.EncryptionGCPKMS)
	}
	keyName, err := cryptoKeyName(cfg)
	if err != nil {
		return backend.Ciphertext{}, err
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionGCPKMS, "client", err)
	}

	dek, err := secure.RandomKey()
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionGCPKMS, "encrypt", err)
	}
	defer secure.Zero(dek)

	var resp *kmspb.EncryptResponse
	err = g.obs.call(ctx, secret.EncryptionGCPKMS, "encrypt", req.Name, func(ctx context.Context) error {
		var err error
		resp, err = client.Encrypt(ctx, &kmspb.EncryptRequest{Name: keyName, Plaintext: dek})
		return err
	})
	if err != nil {
		return backend.Ciphertext{}, err
	}

	ciphertext, err := secure.Seal(dek, req.Value)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionGCPKMS, "encrypt", err)
	}
	return backend.Ciphertext{EncryptionKey: encode(resp.GetCiphertext()), EncryptedValue: encode(ciphertext)}, nil
}

func (g *GCPKMS) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	wrapped, err := decode(secret.EncryptionGCPKMS, "encryption key", rec.EncryptionKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decode(secret.EncryptionGCPKMS, "encrypted value", rec.EncryptedValue)
	if err != nil {
		return nil, err
	}
	keyName, err := cryptoKeyName(cfg)
	if err != nil {
		return nil, err
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return nil, fatal(secret.EncryptionGCPKMS, "client", err)
	}

	var resp *kmspb.DecryptResponse
	err = g.obs.call(ctx, secret.EncryptionGCPKMS, "decrypt", rec.Name, func(ctx context.Context) error {
		var err error
		resp, err = client.Decrypt(ctx, &kmspb.DecryptRequest{Name: keyName, Ciphertext: wrapped})
		return err
	})
	if err != nil {
		return nil, err
	}
	dek := resp.GetPlaintext()
	defer secure.Zero(dek)

	plaintext, err := secure.Open(dek, ciphertext)
	if err != nil {
		return nil, fatal(secret.EncryptionGCPKMS, "decrypt", err)
	}
	return plaintext, nil
}

// DeleteExternal is a no-op; the wrapped key lives on the record.
func (g *GCPKMS) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	return nil
}

func (g *GCPKMS) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	keyName, err := cryptoKeyName(cfg)
	if err != nil {
		return err
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionGCPKMS, "client", err)
	}
	return g.obs.call(ctx, secret.EncryptionGCPKMS, "get_crypto_key", cfg.Name, func(ctx context.Context) error {
		_, err := client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: keyName})
		return err
	})
}

// Close releases pooled clients.
func (g *GCPKMS) Close() {
	g.clients.closeAll()
}
