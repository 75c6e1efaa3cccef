package byok

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize = 32
	saltSize      = 16
	nonceSize     = 12
)

var ErrDecryptFailed = errors.New("credential decryption failed")

// GenerateMasterKey returns a fresh hex-encoded 256-bit master key for the
// operator to keep in the environment.
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Cipher seals vendor secrets with AES-256-GCM under a per-user key derived
// from the operator master key. The user id is bound as AAD, so a ciphertext
// moved to another user's row will not decrypt.
type Cipher struct {
	master []byte
}

func NewCipher(masterHex string) (*Cipher, error) {
	key, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(key))
	}
	return &Cipher{master: key}, nil
}

// userKey derives the per-user AES key. The salt is stored alongside each
// ciphertext; rotation re-encrypts with a fresh salt, which changes the
// derived key without touching the master.
func (c *Cipher) userKey(userID string, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, c.master, salt, []byte("relay:credential:"+userID))
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving user key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for userID. Output layout: salt || nonce || sealed.
func (c *Cipher) Encrypt(userID, plaintext string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key, err := c.userKey(userID, salt)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), []byte(userID))

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same userID. Any
// tampering, truncation, or wrong-user attempt returns ErrDecryptFailed.
func (c *Cipher) Decrypt(userID string, blob []byte) (string, error) {
	if len(blob) < saltSize+nonceSize+1 {
		return "", ErrDecryptFailed
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	sealed := blob[saltSize+nonceSize:]

	key, err := c.userKey(userID, salt)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(userID))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
