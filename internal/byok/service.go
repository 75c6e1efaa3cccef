package byok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/af-corp/relay-gateway/internal/audit"
	"github.com/af-corp/relay-gateway/internal/router/adapters"
	"github.com/af-corp/relay-gateway/internal/telemetry"
)

// AdapterLookup resolves a vendor name to its adapter so the service can
// test credentials against the real vendor API.
type AdapterLookup interface {
	Adapter(vendor string) (adapters.VendorAdapter, bool)
}

var ErrUnknownVendor = errors.New("unknown vendor")

// Service implements the credential management operations. Every operation,
// success or failure, lands in the audit log with a fingerprint over its
// non-secret parameters.
type Service struct {
	store    CredentialStore
	cipher   *Cipher
	resolver *Resolver
	vendors  AdapterLookup
	audit    *audit.Logger
	metrics  *telemetry.Metrics
}

func NewService(store CredentialStore, cipher *Cipher, resolver *Resolver, vendors AdapterLookup, auditLog *audit.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		store:    store,
		cipher:   cipher,
		resolver: resolver,
		vendors:  vendors,
		audit:    auditLog,
		metrics:  metrics,
	}
}

// Create stores a new credential as pending, tests it synchronously against
// the vendor, and returns it with its final status (valid or invalid). An
// unreachable vendor leaves the credential usable but marked invalid with
// the error recorded.
func (s *Service) Create(ctx context.Context, userID, vendor, keyName, apiKey string) (*Credential, error) {
	keyName = strings.TrimSpace(keyName)
	params := map[string]string{"vendor": vendor, "key_name": keyName, "user_id": userID}

	adapter, ok := s.vendors.Adapter(vendor)
	if !ok {
		s.record(ctx, userID, "key_create", vendor, params, false, "unknown vendor")
		return nil, ErrUnknownVendor
	}
	if apiKey == "" {
		s.record(ctx, userID, "key_create", vendor, params, false, "empty api key")
		return nil, errors.New("api key must not be empty")
	}
	if keyName == "" {
		keyName = "default"
	}

	ciphertext, err := s.cipher.Encrypt(userID, apiKey)
	if err != nil {
		s.record(ctx, userID, "key_create", vendor, params, false, "encryption failed")
		return nil, err
	}

	cred := &Credential{
		ID:         uuid.NewString(),
		UserID:     userID,
		Vendor:     vendor,
		KeyName:    keyName,
		Ciphertext: ciphertext,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, cred); err != nil {
		s.record(ctx, userID, "key_create", vendor, params, false, err.Error())
		return nil, err
	}

	// Synchronous validation against the vendor
	quota, testErr := adapter.TestCredential(ctx, apiKey)
	if testErr != nil {
		cred.Status = StatusInvalid
		cred.LastError = testErr.Error()
		if err := s.store.UpdateStatus(ctx, cred.ID, StatusInvalid, testErr.Error(), nil); err != nil {
			slog.Error("failed to mark credential invalid", "error", err, "credential_id", cred.ID)
		}
	} else {
		cred.Status = StatusValid
		cred.Quota = &quota
		if err := s.store.UpdateStatus(ctx, cred.ID, StatusValid, "", &quota); err != nil {
			slog.Error("failed to mark credential valid", "error", err, "credential_id", cred.ID)
		}
	}

	s.resolver.Invalidate(userID, vendor)
	s.record(ctx, userID, "key_create", vendor, params, cred.Status == StatusValid, cred.LastError)
	s.recordOp("create", string(cred.Status))
	return cred, nil
}

// Test re-validates a stored credential on demand and updates its status.
func (s *Service) Test(ctx context.Context, userID, credentialID string) (*Credential, error) {
	params := map[string]string{"credential_id": credentialID, "user_id": userID}

	cred, err := s.store.Get(ctx, userID, credentialID)
	if err != nil {
		s.record(ctx, userID, "key_test", "", params, false, err.Error())
		return nil, err
	}

	adapter, ok := s.vendors.Adapter(cred.Vendor)
	if !ok {
		s.record(ctx, userID, "key_test", cred.Vendor, params, false, "unknown vendor")
		return nil, ErrUnknownVendor
	}

	apiKey, err := s.cipher.Decrypt(userID, cred.Ciphertext)
	if err != nil {
		s.store.UpdateStatus(ctx, cred.ID, StatusInvalid, "decryption failed", nil)
		s.record(ctx, userID, "key_test", cred.Vendor, params, false, "decryption failed")
		return nil, err
	}

	quota, testErr := adapter.TestCredential(ctx, apiKey)
	if testErr != nil {
		cred.Status = StatusInvalid
		cred.LastError = testErr.Error()
		s.store.UpdateStatus(ctx, cred.ID, StatusInvalid, testErr.Error(), nil)
	} else {
		cred.Status = StatusValid
		cred.LastError = ""
		cred.Quota = &quota
		s.store.UpdateStatus(ctx, cred.ID, StatusValid, "", &quota)
	}

	s.resolver.Invalidate(userID, cred.Vendor)
	s.record(ctx, userID, "key_test", cred.Vendor, params, cred.Status == StatusValid, cred.LastError)
	s.recordOp("test", string(cred.Status))
	return cred, nil
}

// Rotate re-encrypts every credential the user owns under fresh key
// material. Each row is updated atomically against its last-seen timestamp;
// statuses are untouched. The resolver cache is dropped afterwards so old
// plaintext copies age out immediately.
func (s *Service) Rotate(ctx context.Context, userID string) (int, error) {
	params := map[string]string{"user_id": userID}

	creds, err := s.store.List(ctx, userID)
	if err != nil {
		s.record(ctx, userID, "key_rotate", "", params, false, err.Error())
		return 0, err
	}

	rotated := 0
	var firstErr error
	for i := range creds {
		cred := &creds[i]
		plaintext, err := s.cipher.Decrypt(userID, cred.Ciphertext)
		if err != nil {
			slog.Error("rotation skipping undecryptable credential",
				"credential_id", cred.ID, "vendor", cred.Vendor)
			if firstErr == nil {
				firstErr = fmt.Errorf("credential %s: %w", cred.ID, err)
			}
			continue
		}

		fresh, err := s.cipher.Encrypt(userID, plaintext)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := s.store.UpdateCiphertext(ctx, cred.ID, fresh, cred.UpdatedAt); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rotated++
	}

	s.resolver.Invalidate(userID)
	s.record(ctx, userID, "key_rotate", "", params, firstErr == nil, errString(firstErr))
	s.recordOp("rotate", opStatus(firstErr))
	return rotated, firstErr
}

// Export builds a ciphertext-only backup of the user's credentials sealed
// under the given passphrase. Plaintext keys never enter the package.
func (s *Service) Export(ctx context.Context, userID, passphrase string) ([]byte, error) {
	params := map[string]string{"user_id": userID}

	if len(passphrase) < 12 {
		s.record(ctx, userID, "key_export", "", params, false, "passphrase too short")
		return nil, errors.New("export passphrase must be at least 12 characters")
	}

	creds, err := s.store.List(ctx, userID)
	if err != nil {
		s.record(ctx, userID, "key_export", "", params, false, err.Error())
		return nil, err
	}

	pkg := &ExportPackage{
		Version:    1,
		UserID:     userID,
		ExportedAt: time.Now().UTC(),
	}
	for _, cred := range creds {
		pkg.Items = append(pkg.Items, ExportItem{
			ID:         cred.ID,
			Vendor:     cred.Vendor,
			KeyName:    cred.KeyName,
			Ciphertext: cred.Ciphertext,
		})
	}

	sealed, err := sealExport(pkg, passphrase)
	if err != nil {
		s.record(ctx, userID, "key_export", "", params, false, err.Error())
		return nil, err
	}

	s.resolver.Invalidate(userID)
	s.record(ctx, userID, "key_export", "", params, true, "")
	s.recordOp("export", "ok")
	return sealed, nil
}

// Delete removes a credential and evicts cache entries that referenced it,
// including the vendor client keyed by its fingerprint.
func (s *Service) Delete(ctx context.Context, userID, credentialID string) error {
	params := map[string]string{"credential_id": credentialID, "user_id": userID}

	cred, err := s.store.Get(ctx, userID, credentialID)
	if err != nil {
		s.record(ctx, userID, "key_delete", "", params, false, err.Error())
		return err
	}

	if apiKey, decErr := s.cipher.Decrypt(userID, cred.Ciphertext); decErr == nil {
		if adapter, ok := s.vendors.Adapter(cred.Vendor); ok {
			adapter.InvalidateClient(adapters.Fingerprint(userID, apiKey))
		}
	}

	if err := s.store.Delete(ctx, userID, credentialID); err != nil {
		s.record(ctx, userID, "key_delete", cred.Vendor, params, false, err.Error())
		return err
	}

	s.resolver.Invalidate(userID, cred.Vendor)
	s.record(ctx, userID, "key_delete", cred.Vendor, params, true, "")
	s.recordOp("delete", "ok")
	return nil
}

// List returns the user's credentials, ciphertext elided.
func (s *Service) List(ctx context.Context, userID string) ([]Credential, error) {
	creds, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range creds {
		creds[i].Ciphertext = nil
	}
	return creds, nil
}

func (s *Service) record(ctx context.Context, userID, op, vendor string, params map[string]string, success bool, detail string) {
	s.audit.Record(ctx, userID, op, vendor, params, success, detail)
}

func (s *Service) recordOp(op, status string) {
	if s.metrics != nil {
		s.metrics.RecordCredentialOp(op, status)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func opStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
