package secure

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a destroyed buffer is used.
var ErrDestroyed = errors.New("secure buffer destroyed")

// SecureBuffer keeps a key inside a memguard enclave and only exposes it
// briefly, in a locked buffer, while it is being used.
type SecureBuffer struct {
	enclave *memguard.Enclave
	mu      sync.RWMutex
	// destroyed allows idempotent Destroy() calls and blocks use after destroy
	destroyed bool
}

// NewSecureBuffer moves data into a protected enclave. memguard wipes the
// source slice once it has been copied.
func NewSecureBuffer(data []byte) (*SecureBuffer, error) {
	if len(data) == 0 {
		return nil, errors.New("secure buffer requires non-empty data")
	}
	return &SecureBuffer{enclave: memguard.NewEnclave(data)}, nil
}

// NewRandomKey creates an enclave holding size random bytes. The key never
// exists in ordinary memory.
func NewRandomKey(size int) (*SecureBuffer, error) {
	if size != KeySize {
		return nil, fmt.Errorf("key size must be %d bytes, got %d", KeySize, size)
	}
	return &SecureBuffer{enclave: memguard.NewEnclaveRandom(size)}, nil
}

// Open decrypts the protected data into a locked buffer.
// The caller MUST call Destroy() on the returned LockedBuffer when done.
func (s *SecureBuffer) Open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}
	return s.enclave.Open()
}

// Encrypt seals plaintext under the protected key.
func (s *SecureBuffer) Encrypt(plaintext []byte) ([]byte, error) {
	locked, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer locked.Destroy()
	return Seal(locked.Bytes(), plaintext)
}

// Decrypt opens data sealed by Encrypt.
func (s *SecureBuffer) Decrypt(sealed []byte) ([]byte, error) {
	locked, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer locked.Destroy()
	return Open(locked.Bytes(), sealed)
}

// Destroy marks this SecureBuffer as destroyed and prevents further use.
// Calling it more than once is safe.
func (s *SecureBuffer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.enclave = nil
	s.destroyed = true
}
