package fakes

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// FakeBackend is an in-memory backend.Backend of any encryption type. For
// envelope types the ciphertext is the base64 value bound to the config id;
// for named-store types the value is kept under "<configID>/<name>".
type FakeBackend struct {
	calls

	typ secret.EncryptionType

	mu     sync.Mutex
	values map[string][]byte

	// Delay stalls Encrypt and Decrypt, honouring context cancellation.
	Delay time.Duration
}

var _ backend.Backend = (*FakeBackend)(nil)

// NewFakeBackend creates an empty fake serving t.
func NewFakeBackend(t secret.EncryptionType) *FakeBackend {
	return &FakeBackend{typ: t, values: make(map[string][]byte)}
}

func (f *FakeBackend) Type() secret.EncryptionType { return f.typ }

// Put stores a value the way an external system would, for reference records.
func (f *FakeBackend) Put(path, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[path] = []byte(value)
}

// Value returns what the fake holds under key.
func (f *FakeBackend) Value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return string(v), ok
}

// Len returns the number of values held.
func (f *FakeBackend) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

func (f *FakeBackend) wait(ctx context.Context) error {
	if f.Delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeBackend) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	if err := f.record("Encrypt"); err != nil {
		return backend.Ciphertext{}, err
	}
	if err := f.wait(ctx); err != nil {
		return backend.Ciphertext{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Path != "" {
		if _, ok := f.values[req.Path]; !ok {
			return backend.Ciphertext{}, f.notFound("encrypt", req.Path)
		}
		return backend.Ciphertext{}, nil
	}
	if f.typ.IsNamedSecretStore() {
		key := cfg.ID + "/" + req.Name
		f.values[key] = append([]byte(nil), req.Value...)
		return backend.Ciphertext{EncryptionKey: key, EncryptedValue: key}, nil
	}
	return backend.Ciphertext{
		EncryptionKey:  "fake-key:" + cfg.ID,
		EncryptedValue: base64.StdEncoding.EncodeToString(req.Value),
	}, nil
}

func (f *FakeBackend) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	if err := f.record("Decrypt"); err != nil {
		return nil, err
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case rec.Path != "":
		v, ok := f.values[rec.Path]
		if !ok {
			return nil, f.notFound("decrypt", rec.Path)
		}
		return append([]byte(nil), v...), nil
	case f.typ.IsNamedSecretStore():
		v, ok := f.values[rec.EncryptedValue]
		if !ok {
			return nil, f.notFound("decrypt", rec.EncryptedValue)
		}
		return append([]byte(nil), v...), nil
	}
	if rec.EncryptionKey != "fake-key:"+cfg.ID {
		return nil, secret.BackendFatalError{Backend: f.typ, Op: "decrypt", Err: fmt.Errorf("key %s does not belong to %s", rec.EncryptionKey, cfg.ID)}
	}
	v, err := base64.StdEncoding.DecodeString(rec.EncryptedValue)
	if err != nil {
		return nil, secret.BackendFatalError{Backend: f.typ, Op: "decrypt", Err: err}
	}
	return v, nil
}

func (f *FakeBackend) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	if err := f.record("DeleteExternal"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, rec.EncryptedValue)
	return nil
}

func (f *FakeBackend) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	return f.record("Validate")
}

func (f *FakeBackend) notFound(op, key string) error {
	return secret.BackendFatalError{Backend: f.typ, Op: op, Err: fmt.Errorf("secret %s not found", key)}
}
