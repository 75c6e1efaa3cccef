package byok

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const exportIterations = 600_000

// ExportPackage is a ciphertext-only backup of a user's credentials. The
// stored ciphertexts remain sealed under the operator master key; the whole
// package is additionally sealed under a key derived from the passphrase.
// Nothing in it yields a plaintext vendor key without both secrets.
type ExportPackage struct {
	Version    int          `json:"version"`
	UserID     string       `json:"user_id"`
	ExportedAt time.Time    `json:"exported_at"`
	Items      []ExportItem `json:"items"`
}

type ExportItem struct {
	ID         string `json:"id"`
	Vendor     string `json:"vendor"`
	KeyName    string `json:"key_name"`
	Ciphertext []byte `json:"ciphertext"`
}

// sealExport wraps the serialized package with AES-256-GCM under a
// PBKDF2-derived key. Output layout: salt || nonce || sealed.
func sealExport(pkg *ExportPackage, passphrase string) ([]byte, error) {
	plain, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("encoding export package: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating export salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, exportIterations, masterKeySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating export nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// OpenExport reverses sealExport. Used by the keytool CLI and tests.
func OpenExport(blob []byte, passphrase string) (*ExportPackage, error) {
	if len(blob) < saltSize+nonceSize+1 {
		return nil, ErrDecryptFailed
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	sealed := blob[saltSize+nonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, exportIterations, masterKeySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	var pkg ExportPackage
	if err := json.Unmarshal(plain, &pkg); err != nil {
		return nil, fmt.Errorf("decoding export package: %w", err)
	}
	return &pkg, nil
}
