// Package secure provides memory-safe handling of key material.
//
// Keys that live for the whole process, such as the Local backend master key
// and the key the KMS data-key cache re-seals entries with, are kept in
// memguard enclaves:
//
//   - Encrypted at rest in memory (XSalsa20Poly1305)
//   - Protected from swapping via mlock
//   - Securely wiped when no longer needed
//
// The package also holds the AES-256-GCM primitives every dsvault backend
// that produces its own ciphertext shares.
//
// # Usage
//
//	key, err := secure.NewRandomKey(secure.KeySize)
//	if err != nil {
//	    return err
//	}
//	defer key.Destroy()
//
//	sealed, err := key.Encrypt([]byte("data key"))
//	plain, err := key.Decrypt(sealed)
//
// If mlock is unavailable memguard degrades to ordinary memory.
package secure
