package secure

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecureBuffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{name: "creates enclave from bytes", data: []byte("my-secret-password")},
		{name: "handles binary data", data: []byte{0x00, 0xFF, 0x10, 0x20}},
		{name: "rejects empty data", data: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf, err := NewSecureBuffer(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			buf.Destroy()
		})
	}
}

func TestSecureBuffer_Open(t *testing.T) {
	t.Parallel()

	// memguard wipes the source, so keep a separate copy for comparison
	secret := []byte("super-secret-data")
	expected := []byte("super-secret-data")

	buf, err := NewSecureBuffer(secret)
	require.NoError(t, err)
	defer buf.Destroy()

	locked, err := buf.Open()
	require.NoError(t, err)
	defer locked.Destroy()

	assert.True(t, bytes.Equal(expected, locked.Bytes()))
	assert.True(t, bytes.Equal(make([]byte, len(secret)), secret), "source should be wiped")
}

func TestSecureBuffer_Destroy(t *testing.T) {
	t.Parallel()

	buf, err := NewRandomKey(KeySize)
	require.NoError(t, err)

	buf.Destroy()
	buf.Destroy()

	_, err = buf.Open()
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = buf.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestRandomKeyEncryptDecrypt(t *testing.T) {
	t.Parallel()

	key, err := NewRandomKey(KeySize)
	require.NoError(t, err)
	defer key.Destroy()

	sealed, err := key.Encrypt([]byte("data-key-material"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "data-key-material")

	plain, err := key.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "data-key-material", string(plain))

	_, err = NewRandomKey(16)
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	key, err := RandomKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("hello"))
	require.NoError(t, err)

	plain, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	other, err := RandomKey()
	require.NoError(t, err)
	_, err = Open(other, sealed)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Open(key, []byte("short"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Seal([]byte("short-key"), []byte("x"))
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	t.Parallel()

	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}

func TestSecureBuffer_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	key, err := NewRandomKey(KeySize)
	require.NoError(t, err)
	defer key.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sealed, err := key.Encrypt([]byte("concurrent"))
			if !assert.NoError(t, err) {
				return
			}
			plain, err := key.Decrypt(sealed)
			assert.NoError(t, err)
			assert.Equal(t, "concurrent", string(plain))
		}()
	}
	wg.Wait()
}
