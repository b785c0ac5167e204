package backends

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// GCPSecretManagerClientAPI is the subset of the Secret Manager client dsvault
// uses.
type GCPSecretManagerClientAPI interface {
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error
	Close() error
}

type realGCPSecretManagerClient struct {
	*secretmanager.Client
}

func (r *realGCPSecretManagerClient) GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error) {
	return r.Client.GetSecret(ctx, req)
}

func (r *realGCPSecretManagerClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	return r.Client.CreateSecret(ctx, req)
}

func (r *realGCPSecretManagerClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return r.Client.AddSecretVersion(ctx, req)
}

func (r *realGCPSecretManagerClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return r.Client.AccessSecretVersion(ctx, req)
}

func (r *realGCPSecretManagerClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	return r.Client.DeleteSecret(ctx, req)
}

// GCPSecretManagerOption configures the GCP Secret Manager backend.
type GCPSecretManagerOption func(*GCPSecretManager)

// WithGCPSecretManagerClient uses client for every config (for testing).
func WithGCPSecretManagerClient(client GCPSecretManagerClientAPI) GCPSecretManagerOption {
	return func(g *GCPSecretManager) {
		g.clients = newClientPool(func(context.Context, *secret.SecretManagerConfig) (GCPSecretManagerClientAPI, error) {
			return client, nil
		}, nil)
	}
}

// GCPSecretManager stores each value as a Secret Manager secret version.
type GCPSecretManager struct {
	clients *clientPool[GCPSecretManagerClientAPI]
	obs     Observer
}

// NewGCPSecretManager creates the GCP Secret Manager backend.
func NewGCPSecretManager(obs Observer, opts ...GCPSecretManagerOption) *GCPSecretManager {
	g := &GCPSecretManager{obs: obs}
	for _, opt := range opts {
		opt(g)
	}
	if g.clients == nil {
		g.clients = newClientPool(newGCPSecretManagerClient, func(c GCPSecretManagerClientAPI) { _ = c.Close() })
	}
	return g
}

func newGCPSecretManagerClient(ctx context.Context, cfg *secret.SecretManagerConfig) (GCPSecretManagerClientAPI, error) {
	opts, err := gcpClientOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &realGCPSecretManagerClient{Client: client}, nil
}

func (g *GCPSecretManager) Type() secret.EncryptionType { return secret.EncryptionGCPSecretsManager }

func gcpProject(cfg *secret.SecretManagerConfig) (string, error) {
	project := cfg.Setting("projectId", "")
	if project == "" {
		return "", secret.ValidationError{Field: "projectId", Message: "GCP Secret Manager secret manager needs projectId"}
	}
	return project, nil
}

// gcpSecretID maps a record name onto the characters Secret Manager accepts.
func gcpSecretID(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// gcpVersionName resolves "secretId[/version][#field]" or a full resource
// name to a version resource name. The version defaults to latest.
func gcpVersionName(project, ref string) (string, string) {
	ref, field := splitReference(ref)
	if strings.HasPrefix(ref, "projects/") {
		if !strings.Contains(ref, "/versions/") {
			ref += "/versions/latest"
		}
		return ref, field
	}
	id, version := ref, "latest"
	if idx := strings.Index(ref, "/"); idx != -1 {
		id, version = ref[:idx], ref[idx+1:]
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, id, version), field
}

// Locate reports the secret resource an inline value of name is stored
// under and whether it already exists.
func (g *GCPSecretManager) Locate(ctx context.Context, name string, cfg *secret.SecretManagerConfig) (string, bool, error) {
	project, err := gcpProject(cfg)
	if err != nil {
		return "", false, err
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return "", false, fatal(secret.EncryptionGCPSecretsManager, "client", err)
	}
	key := fmt.Sprintf("projects/%s/secrets/%s", project, gcpSecretID(name))
	exists := true
	err = g.obs.call(ctx, secret.EncryptionGCPSecretsManager, "get_secret", name, func(ctx context.Context) error {
		_, err := client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: key})
		if grpcNotFound(err) {
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

func (g *GCPSecretManager) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	if req.Path != "" {
		if _, err := g.fetch(ctx, cfg, req.Path, req.Name); err != nil {
			return backend.Ciphertext{}, err
		}
		return backend.Ciphertext{}, nil
	}
	project, err := gcpProject(cfg)
	if err != nil {
		return backend.Ciphertext{}, err
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionGCPSecretsManager, "client", err)
	}

	secretID := gcpSecretID(req.Name)
	name := fmt.Sprintf("projects/%s/secrets/%s", project, secretID)

	err = g.obs.call(ctx, secret.EncryptionGCPSecretsManager, "get_secret", req.Name, func(ctx context.Context) error {
		_, err := client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: name})
		if !grpcNotFound(err) {
			return err
		}
		_, err = client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   "projects/" + project,
			SecretId: secretID,
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
				Labels: map[string]string{
					"created-by": "dsvault",
					"type":       strings.ToLower(strings.ReplaceAll(string(req.Type), "_", "-")),
				},
			},
		})
		return err
	})
	if err != nil {
		return backend.Ciphertext{}, err
	}

	var version *secretmanagerpb.SecretVersion
	err = g.obs.call(ctx, secret.EncryptionGCPSecretsManager, "add_secret_version", req.Name, func(ctx context.Context) error {
		var err error
		version, err = client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
			Parent:  name,
			Payload: &secretmanagerpb.SecretPayload{Data: req.Value},
		})
		return err
	})
	if err != nil {
		return backend.Ciphertext{}, err
	}
	return backend.Ciphertext{EncryptionKey: name, EncryptedValue: version.GetName()}, nil
}

func (g *GCPSecretManager) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	if rec.IsReference() {
		return g.fetch(ctx, cfg, rec.Path, rec.Name)
	}
	return g.fetch(ctx, cfg, rec.EncryptionKey, rec.Name)
}

func (g *GCPSecretManager) fetch(ctx context.Context, cfg *secret.SecretManagerConfig, ref, recordName string) ([]byte, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, secret.ValidationError{Field: "path", Message: "secret reference needs a secret id"}
	}
	project, err := gcpProject(cfg)
	if err != nil {
		return nil, err
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return nil, fatal(secret.EncryptionGCPSecretsManager, "client", err)
	}

	versionName, field := gcpVersionName(project, ref)
	var resp *secretmanagerpb.AccessSecretVersionResponse
	err = g.obs.call(ctx, secret.EncryptionGCPSecretsManager, "access_secret_version", recordName, func(ctx context.Context) error {
		var err error
		resp, err = client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: versionName})
		if grpcNotFound(err) {
			return fatal(secret.EncryptionGCPSecretsManager, "access_secret_version", fmt.Errorf("secret version '%s' not found", versionName))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	data := resp.GetPayload().GetData()
	if field == "" {
		return data, nil
	}
	value, err := extractJSONField(string(data), field)
	if err != nil {
		return nil, fatal(secret.EncryptionGCPSecretsManager, "access_secret_version", fmt.Errorf("secret '%s': %w", versionName, err))
	}
	return []byte(value), nil
}

func (g *GCPSecretManager) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	if rec.IsReference() || rec.EncryptionKey == "" {
		return nil
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionGCPSecretsManager, "client", err)
	}
	return g.obs.call(ctx, secret.EncryptionGCPSecretsManager, "delete_secret", rec.Name, func(ctx context.Context) error {
		err := client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: rec.EncryptionKey})
		if grpcNotFound(err) {
			return nil
		}
		return err
	})
}

// Validate looks up a secret id that never exists; NotFound proves the project
// is reachable with the configured credentials.
func (g *GCPSecretManager) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	project, err := gcpProject(cfg)
	if err != nil {
		return err
	}
	client, err := g.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionGCPSecretsManager, "client", err)
	}
	return g.obs.call(ctx, secret.EncryptionGCPSecretsManager, "get_secret", cfg.Name, func(ctx context.Context) error {
		_, err := client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{
			Name: fmt.Sprintf("projects/%s/secrets/dsvault-connectivity-check", project),
		})
		if err == nil || grpcNotFound(err) {
			return nil
		}
		return err
	})
}

// Close releases pooled clients.
func (g *GCPSecretManager) Close() {
	g.clients.closeAll()
}
