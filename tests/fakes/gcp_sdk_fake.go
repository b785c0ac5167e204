package fakes

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FakeGCPSecretManagerClient is an in-memory Secret Manager keyed by full
// resource names.
type FakeGCPSecretManagerClient struct {
	calls

	mu      sync.Mutex
	secrets map[string]*secretmanagerpb.Secret
	data    map[string][][]byte
}

// NewFakeGCPSecretManagerClient creates an empty fake.
func NewFakeGCPSecretManagerClient() *FakeGCPSecretManagerClient {
	return &FakeGCPSecretManagerClient{
		secrets: make(map[string]*secretmanagerpb.Secret),
		data:    make(map[string][][]byte),
	}
}

// AddSecretString seeds a secret with one more version.
func (f *FakeGCPSecretManagerClient) AddSecretString(project, id, value string) {
	name := fmt.Sprintf("projects/%s/secrets/%s", project, id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[name]; !ok {
		f.secrets[name] = &secretmanagerpb.Secret{Name: name}
	}
	f.data[name] = append(f.data[name], []byte(value))
}

// Labels returns the labels a secret was created with.
func (f *FakeGCPSecretManagerClient) Labels(name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.secrets[name]; ok {
		return s.GetLabels()
	}
	return nil
}

// Versions returns how many versions a secret has.
func (f *FakeGCPSecretManagerClient) Versions(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data[name])
}

func gcpNotFound(name string) error {
	return status.Errorf(codes.NotFound, "Secret [%s] not found", name)
}

func (f *FakeGCPSecretManagerClient) GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest) (*secretmanagerpb.Secret, error) {
	if err := f.record("GetSecret"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[req.GetName()]
	if !ok {
		return nil, gcpNotFound(req.GetName())
	}
	return s, nil
}

func (f *FakeGCPSecretManagerClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	if err := f.record("CreateSecret"); err != nil {
		return nil, err
	}
	name := req.GetParent() + "/secrets/" + req.GetSecretId()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Secret [%s] already exists", name)
	}
	s := &secretmanagerpb.Secret{
		Name:        name,
		Labels:      req.GetSecret().GetLabels(),
		Replication: req.GetSecret().GetReplication(),
	}
	f.secrets[name] = s
	return s, nil
}

func (f *FakeGCPSecretManagerClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	if err := f.record("AddSecretVersion"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[req.GetParent()]; !ok {
		return nil, gcpNotFound(req.GetParent())
	}
	f.data[req.GetParent()] = append(f.data[req.GetParent()], append([]byte(nil), req.GetPayload().GetData()...))
	return &secretmanagerpb.SecretVersion{
		Name:  fmt.Sprintf("%s/versions/%d", req.GetParent(), len(f.data[req.GetParent()])),
		State: secretmanagerpb.SecretVersion_ENABLED,
	}, nil
}

func (f *FakeGCPSecretManagerClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	if err := f.record("AccessSecretVersion"); err != nil {
		return nil, err
	}
	idx := strings.LastIndex(req.GetName(), "/versions/")
	if idx == -1 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid version name %s", req.GetName())
	}
	secretName, version := req.GetName()[:idx], req.GetName()[idx+len("/versions/"):]

	f.mu.Lock()
	defer f.mu.Unlock()
	versions := f.data[secretName]
	n := len(versions)
	if version != "latest" {
		if _, err := fmt.Sscanf(version, "%d", &n); err != nil {
			return nil, gcpNotFound(req.GetName())
		}
	}
	if n < 1 || n > len(versions) {
		return nil, gcpNotFound(req.GetName())
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    fmt.Sprintf("%s/versions/%d", secretName, n),
		Payload: &secretmanagerpb.SecretPayload{Data: append([]byte(nil), versions[n-1]...)},
	}, nil
}

func (f *FakeGCPSecretManagerClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	if err := f.record("DeleteSecret"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[req.GetName()]; !ok {
		return gcpNotFound(req.GetName())
	}
	delete(f.secrets, req.GetName())
	delete(f.data, req.GetName())
	return nil
}

func (f *FakeGCPSecretManagerClient) Close() error { return nil }

// FakeGCPKMSClient is an in-memory Cloud KMS. Ciphertexts are opaque
// handles bound to the key that produced them.
type FakeGCPKMSClient struct {
	calls

	mu      sync.Mutex
	wrapped map[string]wrappedKey
}

// NewFakeGCPKMSClient creates an empty fake.
func NewFakeGCPKMSClient() *FakeGCPKMSClient {
	return &FakeGCPKMSClient{wrapped: make(map[string]wrappedKey)}
}

func (f *FakeGCPKMSClient) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	if err := f.record("Encrypt"); err != nil {
		return nil, err
	}
	handle := make([]byte, 16)
	if _, err := rand.Read(handle); err != nil {
		return nil, err
	}
	ct := "fake-gcpkms:" + hex.EncodeToString(handle)
	f.mu.Lock()
	f.wrapped[ct] = wrappedKey{keyID: req.GetName(), plaintext: append([]byte(nil), req.GetPlaintext()...)}
	f.mu.Unlock()
	return &kmspb.EncryptResponse{Name: req.GetName(), Ciphertext: []byte(ct)}, nil
}

func (f *FakeGCPKMSClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	if err := f.record("Decrypt"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	key, ok := f.wrapped[string(req.GetCiphertext())]
	f.mu.Unlock()
	if !ok || key.keyID != req.GetName() {
		return nil, status.Error(codes.InvalidArgument, "Decryption failed: the ciphertext is invalid.")
	}
	return &kmspb.DecryptResponse{Plaintext: append([]byte(nil), key.plaintext...)}, nil
}

func (f *FakeGCPKMSClient) GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	if err := f.record("GetCryptoKey"); err != nil {
		return nil, err
	}
	return &kmspb.CryptoKey{Name: req.GetName(), Purpose: kmspb.CryptoKey_ENCRYPT_DECRYPT}, nil
}

func (f *FakeGCPKMSClient) Close() error { return nil }
