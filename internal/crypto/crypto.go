// Package crypto implements at-rest encryption of credential values under a
// single per-instance master key, using AES-256-GCM with a random 96-bit
// nonce prepended to each ciphertext blob.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"github.com/airlock-sh/airlock/internal/fault"
)

const (
	// KeyFileName is the master key file inside the data directory.
	KeyFileName = ".secret"

	keyLen   = 32
	nonceLen = 12 // 96 bits, standard for AES-GCM
)

// LoadOrCreateMasterKey reads the persisted master key from the data
// directory, generating and persisting a fresh 32-byte key on first run.
// The key file is written with owner-only permissions. If the file is ever
// lost, every stored credential value becomes permanently unrecoverable.
func LoadOrCreateMasterKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, KeyFileName)

	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keyLen {
			return nil, fault.New(fault.Internal, "master key file %s is corrupt: %d bytes, want %d", path, len(key), keyLen)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fault.Wrap(fault.Internal, err, "reading master key")
	}

	key = make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "generating master key")
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "writing master key")
	}
	return key, nil
}

// Encrypt seals a plaintext value under the master key. The returned blob is
// nonce || ciphertext+tag. Two calls with the same plaintext always produce
// different blobs.
func Encrypt(plaintext string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "generating nonce")
	}

	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a blob produced by Encrypt. A wrong key or any tampering
// fails authentication and returns a CryptoFailure error; callers must
// propagate it, never substitute empty or default data.
func Decrypt(blob []byte, key []byte) (string, error) {
	if len(blob) < nonceLen {
		return "", fault.New(fault.CryptoFailure, "ciphertext blob too short")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, blob[:nonceLen], blob[nonceLen:], nil)
	if err != nil {
		return "", fault.Wrap(fault.CryptoFailure, err, "decrypting value")
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "creating cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "creating GCM")
	}
	return gcm, nil
}
