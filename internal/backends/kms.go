package backends

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/systmms/dsvault/internal/kmscache"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// KMSClientAPI is the subset of the AWS KMS client dsvault uses.
type KMSClientAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// KMSOption configures the KMS backend.
type KMSOption func(*KMS)

// WithKMSClient uses client for every config (for testing).
func WithKMSClient(client KMSClientAPI) KMSOption {
	return func(k *KMS) {
		k.clients = newClientPool(func(context.Context, *secret.SecretManagerConfig) (KMSClientAPI, error) {
			return client, nil
		}, nil)
	}
}

// KMS performs envelope encryption with AWS KMS data keys. Unwrapped data
// keys are cached, sealed, in the kmscache.
type KMS struct {
	clients *clientPool[KMSClientAPI]
	cache   *kmscache.Cache
	obs     Observer
}

// NewKMS creates the KMS backend. cache may be nil.
func NewKMS(cache *kmscache.Cache, obs Observer, opts ...KMSOption) *KMS {
	k := &KMS{cache: cache, obs: obs}
	for _, opt := range opts {
		opt(k)
	}
	if k.clients == nil {
		k.clients = newClientPool(newKMSClient, nil)
	}
	return k
}

func newKMSClient(ctx context.Context, cfg *secret.SecretManagerConfig) (KMSClientAPI, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	endpoint := awsEndpoint(cfg)
	return kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if endpoint != nil {
			o.BaseEndpoint = endpoint
		}
	}), nil
}

func (k *KMS) Type() secret.EncryptionType { return secret.EncryptionKMS }

func keyArn(cfg *secret.SecretManagerConfig) (string, error) {
	if arn := cfg.Secret(secret.CredKmsArn); arn != "" {
		return arn, nil
	}
	if arn := cfg.Setting(secret.CredKmsArn, ""); arn != "" {
		return arn, nil
	}
	return "", secret.ValidationError{Field: secret.CredKmsArn, Message: "KMS secret manager has no key ARN"}
}

func (k *KMS) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	if req.Path != "" {
		return backend.Ciphertext{}, referenceUnsupported(secret.EncryptionKMS)
	}
	arn, err := keyArn(cfg)
	if err != nil {
		return backend.Ciphertext{}, err
	}
	client, err := k.clients.get(ctx, cfg)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionKMS, "client", err)
	}

	var out *kms.GenerateDataKeyOutput
	err = k.obs.call(ctx, secret.EncryptionKMS, "generate_data_key", req.Name, func(ctx context.Context) error {
		var err error
		out, err = client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(arn),
			KeySpec: types.DataKeySpecAes256,
		})
		return err
	})
	if err != nil {
		return backend.Ciphertext{}, err
	}
	defer secure.Zero(out.Plaintext)

	ciphertext, err := secure.Seal(out.Plaintext, req.Value)
	if err != nil {
		return backend.Ciphertext{}, fatal(secret.EncryptionKMS, "encrypt", err)
	}
	return backend.Ciphertext{EncryptionKey: encode(out.CiphertextBlob), EncryptedValue: encode(ciphertext)}, nil
}

func (k *KMS) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	ciphertext, err := decode(secret.EncryptionKMS, "encrypted value", rec.EncryptedValue)
	if err != nil {
		return nil, err
	}

	dek, err := k.dataKey(ctx, rec, cfg)
	if err != nil {
		return nil, err
	}
	defer secure.Zero(dek)

	plaintext, err := secure.Open(dek, ciphertext)
	if err != nil {
		return nil, fatal(secret.EncryptionKMS, "decrypt", err)
	}
	return plaintext, nil
}

func (k *KMS) dataKey(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	load := func(ctx context.Context) ([]byte, error) {
		return k.unwrap(ctx, rec, cfg)
	}
	if k.cache == nil {
		return load(ctx)
	}
	return k.cache.Get(ctx, rec.ID, rec.EncryptionKey, load)
}

func (k *KMS) unwrap(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	blob, err := decode(secret.EncryptionKMS, "encryption key", rec.EncryptionKey)
	if err != nil {
		return nil, err
	}
	client, err := k.clients.get(ctx, cfg)
	if err != nil {
		return nil, fatal(secret.EncryptionKMS, "client", err)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if arn, err := keyArn(cfg); err == nil {
		input.KeyId = aws.String(arn)
	}

	var out *kms.DecryptOutput
	err = k.obs.call(ctx, secret.EncryptionKMS, "decrypt", rec.Name, func(ctx context.Context) error {
		var err error
		out, err = client.Decrypt(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Plaintext) == 0 {
		return nil, fatal(secret.EncryptionKMS, "decrypt", errors.New("KMS returned an empty data key"))
	}
	return out.Plaintext, nil
}

// DeleteExternal is a no-op; the wrapped key lives on the record.
func (k *KMS) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	return nil
}

func (k *KMS) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	arn, err := keyArn(cfg)
	if err != nil {
		return err
	}
	client, err := k.clients.get(ctx, cfg)
	if err != nil {
		return fatal(secret.EncryptionKMS, "client", err)
	}
	return k.obs.call(ctx, secret.EncryptionKMS, "describe_key", cfg.Name, func(ctx context.Context) error {
		_, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(arn)})
		return err
	})
}
