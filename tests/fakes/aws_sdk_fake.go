package fakes

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// FakeKMSClient is an in-memory AWS KMS. Wrapped data keys are opaque
// handles it remembers; Decrypt only succeeds for handles it issued under
// the same key id.
type FakeKMSClient struct {
	calls

	mu   sync.Mutex
	keys map[string]wrappedKey

	// DecryptDelay stalls every Decrypt, to widen race windows in tests.
	DecryptDelay time.Duration
}

type wrappedKey struct {
	keyID     string
	plaintext []byte
}

// NewFakeKMSClient creates an empty fake.
func NewFakeKMSClient() *FakeKMSClient {
	return &FakeKMSClient{keys: make(map[string]wrappedKey)}
}

// GenerateDataKey returns a fresh random key and its wrapped handle.
func (f *FakeKMSClient) GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if err := f.record("GenerateDataKey"); err != nil {
		return nil, err
	}
	plain := make([]byte, 32)
	if _, err := rand.Read(plain); err != nil {
		return nil, err
	}
	handle := make([]byte, 16)
	if _, err := rand.Read(handle); err != nil {
		return nil, err
	}
	blob := []byte("fake-kms:" + hex.EncodeToString(handle))

	f.mu.Lock()
	f.keys[string(blob)] = wrappedKey{keyID: aws.ToString(params.KeyId), plaintext: append([]byte(nil), plain...)}
	f.mu.Unlock()

	return &kms.GenerateDataKeyOutput{
		KeyId:          params.KeyId,
		Plaintext:      plain,
		CiphertextBlob: blob,
	}, nil
}

// Decrypt unwraps a handle issued by GenerateDataKey.
func (f *FakeKMSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.DecryptDelay > 0 {
		select {
		case <-time.After(f.DecryptDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.record("Decrypt"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	key, ok := f.keys[string(params.CiphertextBlob)]
	f.mu.Unlock()
	if !ok || (params.KeyId != nil && aws.ToString(params.KeyId) != key.keyID) {
		return nil, &kmstypes.InvalidCiphertextException{Message: aws.String("ciphertext was not issued by this key")}
	}
	return &kms.DecryptOutput{
		KeyId:     aws.String(key.keyID),
		Plaintext: append([]byte(nil), key.plaintext...),
	}, nil
}

// DescribeKey reports every key as enabled.
func (f *FakeKMSClient) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	if err := f.record("DescribeKey"); err != nil {
		return nil, err
	}
	return &kms.DescribeKeyOutput{
		KeyMetadata: &kmstypes.KeyMetadata{
			KeyId:    params.KeyId,
			KeyState: kmstypes.KeyStateEnabled,
		},
	}, nil
}

// FakeSecretsManagerClient is an in-memory AWS Secrets Manager.
type FakeSecretsManagerClient struct {
	calls

	mu      sync.Mutex
	secrets map[string]*fakeASMSecret
}

type fakeASMSecret struct {
	arn    string
	value  string
	tags   map[string]string
	writes int
}

// NewFakeSecretsManagerClient creates an empty fake.
func NewFakeSecretsManagerClient() *FakeSecretsManagerClient {
	return &FakeSecretsManagerClient{secrets: make(map[string]*fakeASMSecret)}
}

// AddSecretString seeds a secret.
func (f *FakeSecretsManagerClient) AddSecretString(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[name] = &fakeASMSecret{arn: asmARN(name), value: value, writes: 1}
}

// Value returns a stored secret string.
func (f *FakeSecretsManagerClient) Value(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok {
		return "", false
	}
	return s.value, true
}

// Tags returns the tags a secret was created with.
func (f *FakeSecretsManagerClient) Tags(name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.secrets[name]; ok {
		return s.tags
	}
	return nil
}

func asmARN(name string) string {
	return fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s", name)
}

func notFound(name string) error {
	return &types.ResourceNotFoundException{Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", name))}
}

// GetSecretValue returns the current value of a secret.
func (f *FakeSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if err := f.record("GetSecretValue"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.SecretId)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok {
		return nil, notFound(name)
	}
	return &secretsmanager.GetSecretValueOutput{
		ARN:          aws.String(s.arn),
		Name:         aws.String(name),
		SecretString: aws.String(s.value),
	}, nil
}

// CreateSecret stores a new secret and fails if it exists.
func (f *FakeSecretsManagerClient) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	if err := f.record("CreateSecret"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[name]; ok {
		return nil, &types.ResourceExistsException{Message: aws.String("secret already exists: " + name)}
	}
	tags := make(map[string]string, len(params.Tags))
	for _, t := range params.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	s := &fakeASMSecret{arn: asmARN(name), value: aws.ToString(params.SecretString), tags: tags, writes: 1}
	f.secrets[name] = s
	return &secretsmanager.CreateSecretOutput{ARN: aws.String(s.arn), Name: aws.String(name)}, nil
}

// UpdateSecret replaces the value of an existing secret.
func (f *FakeSecretsManagerClient) UpdateSecret(ctx context.Context, params *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error) {
	if err := f.record("UpdateSecret"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.SecretId)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok {
		return nil, notFound(name)
	}
	s.value = aws.ToString(params.SecretString)
	s.writes++
	return &secretsmanager.UpdateSecretOutput{ARN: aws.String(s.arn), Name: aws.String(name)}, nil
}

// DeleteSecret removes a secret.
func (f *FakeSecretsManagerClient) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	if err := f.record("DeleteSecret"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.SecretId)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok {
		return nil, notFound(name)
	}
	delete(f.secrets, name)
	return &secretsmanager.DeleteSecretOutput{ARN: aws.String(s.arn), Name: aws.String(name)}, nil
}

// ListSecrets returns up to MaxResults secrets.
func (f *FakeSecretsManagerClient) ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	if err := f.record("ListSecrets"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	limit := int(aws.ToInt32(params.MaxResults))
	out := &secretsmanager.ListSecretsOutput{}
	for name, s := range f.secrets {
		if limit > 0 && len(out.SecretList) >= limit {
			break
		}
		out.SecretList = append(out.SecretList, types.SecretListEntry{Name: aws.String(name), ARN: aws.String(s.arn)})
	}
	return out, nil
}
