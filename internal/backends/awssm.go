package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// SecretsManagerClientAPI is the subset of the AWS Secrets Manager client
// dsvault uses.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	UpdateSecret(ctx context.Context, params *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// SecretsManagerOption configures the AWS Secrets Manager backend.
type SecretsManagerOption func(*SecretsManager)

// WithSecretsManagerClient uses client for every config (for testing).
func WithSecretsManagerClient(client SecretsManagerClientAPI) SecretsManagerOption {
	return func(s *SecretsManager) {
		s.clients = newClientPool(func(context.Context, *secret.SecretManagerConfig) (SecretsManagerClientAPI, error) {
			return client, nil
		}, nil)
	}
}

// SecretsManager stores each value as a named AWS Secrets Manager secret.
type SecretsManager struct {
	clients *clientPool[SecretsManagerClientAPI]
	obs     Observer
}

// NewSecretsManager creates the AWS Secrets Manager backend.
func NewSecretsManager(obs Observer, opts ...SecretsManagerOption) *SecretsManager {
	s := &SecretsManager{obs: obs}
	for _, opt := range opts {
		opt(s)
	}
	if s.clients == nil {
		s.clients = newClientPool(newSecretsManagerClient, nil)
	}
	return s
}

func newSecretsManagerClient(ctx context.Context, cfg *secret.SecretManagerConfig) (SecretsManagerClientAPI, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	endpoint := awsEndpoint(cfg)
	return secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if endpoint != nil {
			o.BaseEndpoint = endpoint
		}
	}), nil
}

func (s *SecretsManager) Type() secret.EncryptionType { return secret.EncryptionAWSSecretsManager }

func secretName(cfg *secret.SecretManagerConfig, name string) string {
	prefix := strings.Trim(cfg.Setting("secretNamePrefix", ""), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func isSecretsManagerNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf)
}

// Locate reports the secret name an inline value of name is stored under
// and whether a secret of that name already exists.
func (s *SecretsManager) Locate(ctx context.Context, name string, cfg *secret.SecretManagerConfig) (string, bool, error) {
	client, err := s.clients.get(ctx, cfg)
	if err != nil {
		return "", false, fatal(secret.EncryptionAWSSecretsManager, "client", err)
	}
	key := secretName(cfg, name)
	exists := true
	err = s.obs.call(ctx, secret.EncryptionAWSSecretsManager, "get_secret_value", name, func(ctx context.Context) error {
		_, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(key)})
		if isSecretsManagerNotFound(err) {
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

func (s *SecretsManager) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	if req.Path != "" {
		if _, err := s.fetch(ctx, cfg, req.Path, req.Name); err != nil {
			return backend.Ciphertext{}, err
		}
		return backend.Ciphertext{}, nil
	}

	client, err := s.clients.get(ctx, cfg)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionAWSSecretsManager, "client", err)
	}
	name := secretName(cfg, req.Name)
	value := string(req.Value)

	exists := true
	err = s.obs.call(ctx, secret.EncryptionAWSSecretsManager, "get_secret_value", req.Name, func(ctx context.Context) error {
		_, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
		if isSecretsManagerNotFound(err) {
			exists = false
			return nil
		}
		return err
	})
	if err != nil {
		return backend.Ciphertext{}, err
	}

	var arn string
	if exists {
		err = s.obs.call(ctx, secret.EncryptionAWSSecretsManager, "update_secret", req.Name, func(ctx context.Context) error {
			out, err := client.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
				SecretId:     aws.String(name),
				SecretString: aws.String(value),
			})
			if err == nil {
				arn = aws.ToString(out.ARN)
			}
			return err
		})
	} else {
		err = s.obs.call(ctx, secret.EncryptionAWSSecretsManager, "create_secret", req.Name, func(ctx context.Context) error {
			out, err := client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
				Name:         aws.String(name),
				SecretString: aws.String(value),
				Tags: []types.Tag{
					{Key: aws.String("createdBy"), Value: aws.String("dsvault")},
					{Key: aws.String("type"), Value: aws.String(string(req.Type))},
				},
			})
			if err == nil {
				arn = aws.ToString(out.ARN)
			}
			return err
		})
	}
	if err != nil {
		return backend.Ciphertext{}, err
	}
	return backend.Ciphertext{EncryptionKey: name, EncryptedValue: arn}, nil
}

func (s *SecretsManager) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	if rec.IsReference() {
		return s.fetch(ctx, cfg, rec.Path, rec.Name)
	}
	return s.fetch(ctx, cfg, rec.EncryptionKey, rec.Name)
}

// fetch reads "name#jsonKey"; the key part is optional.
func (s *SecretsManager) fetch(ctx context.Context, cfg *secret.SecretManagerConfig, ref, recordName string) ([]byte, error) {
	name, field := splitReference(ref)
	if name == "" {
		return nil, secret.ValidationError{Field: "path", Message: "secret reference needs a secret name"}
	}
	client, err := s.clients.get(ctx, cfg)
	if err != nil {
		return nil, fatal(secret.EncryptionAWSSecretsManager, "client", err)
	}

	var out *secretsmanager.GetSecretValueOutput
	err = s.obs.call(ctx, secret.EncryptionAWSSecretsManager, "get_secret_value", recordName, func(ctx context.Context) error {
		var err error
		out, err = client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
		return err
	})
	if err != nil {
		return nil, err
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	default:
		return nil, fatal(secret.EncryptionAWSSecretsManager, "get_secret_value", fmt.Errorf("secret '%s' has no value", name))
	}

	if field != "" {
		extracted, err := extractJSONField(value, field)
		if err != nil {
			return nil, fatal(secret.EncryptionAWSSecretsManager, "get_secret_value", fmt.Errorf("secret '%s': %w", name, err))
		}
		value = extracted
	}
	return []byte(value), nil
}

func (s *SecretsManager) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	if rec.IsReference() || rec.EncryptionKey == "" {
		return nil
	}
	client, err := s.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionAWSSecretsManager, "client", err)
	}
	return s.obs.call(ctx, secret.EncryptionAWSSecretsManager, "delete_secret", rec.Name, func(ctx context.Context) error {
		_, err := client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
			SecretId:                   aws.String(rec.EncryptionKey),
			ForceDeleteWithoutRecovery: aws.Bool(true),
		})
		if isSecretsManagerNotFound(err) {
			return nil
		}
		return err
	})
}

func (s *SecretsManager) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	client, err := s.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionAWSSecretsManager, "client", err)
	}
	return s.obs.call(ctx, secret.EncryptionAWSSecretsManager, "list_secrets", cfg.Name, func(ctx context.Context) error {
		_, err := client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
		return err
	})
}
