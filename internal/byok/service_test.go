package byok

import (
	"context"
	"errors"
	"testing"

	"github.com/af-corp/relay-gateway/internal/audit"
	"github.com/af-corp/relay-gateway/internal/router/adapters"
	"github.com/af-corp/relay-gateway/internal/types"
)

// fakeAdapter implements adapters.VendorAdapter with a scriptable
// TestCredential result.
type fakeAdapter struct {
	name        string
	testErr     error
	quota       adapters.QuotaInfo
	invalidated []string
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) SupportsImages() bool  { return false }
func (f *fakeAdapter) Stream(ctx context.Context, req adapters.Request) types.Stream {
	return types.SingleChunkStream(types.ErrorChunk(types.ErrVendorTransportError, "not implemented"))
}
func (f *fakeAdapter) TestCredential(ctx context.Context, apiKey string) (adapters.QuotaInfo, error) {
	return f.quota, f.testErr
}
func (f *fakeAdapter) InvalidateClient(fingerprint string) {
	f.invalidated = append(f.invalidated, fingerprint)
}

type fakeLookup map[string]*fakeAdapter

func (f fakeLookup) Adapter(vendor string) (adapters.VendorAdapter, bool) {
	a, ok := f[vendor]
	return a, ok
}

func newTestService(t *testing.T, lookup fakeLookup) (*Service, *MemoryStore, *Cipher) {
	t.Helper()
	c := testCipher(t)
	store := NewMemoryStore()
	resolver := NewResolver(store, c, nil, nil)
	svc := NewService(store, c, resolver, lookup, audit.NewLogger(nil), nil)
	return svc, store, c
}

func TestCreate_ValidKey(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", quota: adapters.QuotaInfo{RequestsRemaining: "4999"}}
	svc, _, c := newTestService(t, fakeLookup{"openai": adapter})

	cred, err := svc.Create(context.Background(), "user-1", "openai", "work", "sk-good")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if cred.Status != StatusValid {
		t.Errorf("expected valid status, got %s", cred.Status)
	}
	if cred.Quota == nil || cred.Quota.RequestsRemaining != "4999" {
		t.Errorf("expected quota captured, got %+v", cred.Quota)
	}

	// Stored ciphertext decrypts back to the original key
	got, err := c.Decrypt("user-1", cred.Ciphertext)
	if err != nil || got != "sk-good" {
		t.Errorf("stored ciphertext should decrypt to original key: %q, %v", got, err)
	}
}

func TestCreate_InvalidKeyStillStored(t *testing.T) {
	adapter := &fakeAdapter{name: "openai", testErr: errors.New("401 unauthorized")}
	svc, store, _ := newTestService(t, fakeLookup{"openai": adapter})

	cred, err := svc.Create(context.Background(), "user-1", "openai", "work", "sk-bad")
	if err != nil {
		t.Fatalf("Create should store the key even when the test fails: %v", err)
	}
	if cred.Status != StatusInvalid {
		t.Errorf("expected invalid status, got %s", cred.Status)
	}
	if cred.LastError == "" {
		t.Error("expected test failure recorded in LastError")
	}

	creds, _ := store.List(context.Background(), "user-1")
	if len(creds) != 1 {
		t.Errorf("expected 1 stored credential, got %d", len(creds))
	}
}

func TestCreate_UnknownVendor(t *testing.T) {
	svc, _, _ := newTestService(t, fakeLookup{})

	if _, err := svc.Create(context.Background(), "user-1", "nope", "work", "sk-x"); !errors.Is(err, ErrUnknownVendor) {
		t.Errorf("expected ErrUnknownVendor, got %v", err)
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	svc, _, _ := newTestService(t, fakeLookup{"openai": adapter})

	if _, err := svc.Create(context.Background(), "user-1", "openai", "work", "sk-1"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := svc.Create(context.Background(), "user-1", "openai", "work", "sk-2"); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestTest_FlipsStatus(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	svc, _, _ := newTestService(t, fakeLookup{"openai": adapter})

	cred, _ := svc.Create(context.Background(), "user-1", "openai", "work", "sk-x")
	if cred.Status != StatusValid {
		t.Fatalf("setup: expected valid, got %s", cred.Status)
	}

	adapter.testErr = errors.New("key revoked")
	retested, err := svc.Test(context.Background(), "user-1", cred.ID)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if retested.Status != StatusInvalid {
		t.Errorf("expected invalid after failed re-test, got %s", retested.Status)
	}

	adapter.testErr = nil
	retested, _ = svc.Test(context.Background(), "user-1", cred.ID)
	if retested.Status != StatusValid {
		t.Errorf("expected valid after passing re-test, got %s", retested.Status)
	}
}

func TestRotate_ReencryptsEveryRow(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	svc, store, c := newTestService(t, fakeLookup{"openai": adapter, "anthropic": adapter})

	a, _ := svc.Create(context.Background(), "user-1", "openai", "work", "sk-a")
	b, _ := svc.Create(context.Background(), "user-1", "anthropic", "personal", "sk-b")

	n, err := svc.Rotate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rotated rows, got %d", n)
	}

	// Ciphertext changed but still decrypts to the same secrets
	rotatedA, _ := store.Get(context.Background(), "user-1", a.ID)
	if string(rotatedA.Ciphertext) == string(a.Ciphertext) {
		t.Error("rotation should replace ciphertext")
	}
	if got, _ := c.Decrypt("user-1", rotatedA.Ciphertext); got != "sk-a" {
		t.Errorf("rotated credential should decrypt to original secret, got %q", got)
	}
	rotatedB, _ := store.Get(context.Background(), "user-1", b.ID)
	if got, _ := c.Decrypt("user-1", rotatedB.Ciphertext); got != "sk-b" {
		t.Errorf("rotated credential should decrypt to original secret, got %q", got)
	}

	// Status survives rotation
	if rotatedA.Status != StatusValid {
		t.Errorf("rotation should not change status, got %s", rotatedA.Status)
	}
}

func TestExport_CiphertextOnly(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	svc, _, _ := newTestService(t, fakeLookup{"openai": adapter})

	svc.Create(context.Background(), "user-1", "openai", "work", "sk-secret-value")

	sealed, err := svc.Export(context.Background(), "user-1", "a long passphrase")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	pkg, err := OpenExport(sealed, "a long passphrase")
	if err != nil {
		t.Fatalf("OpenExport failed: %v", err)
	}
	if len(pkg.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(pkg.Items))
	}
	// The opened package still holds only ciphertext
	if string(pkg.Items[0].Ciphertext) == "sk-secret-value" {
		t.Error("export must never contain the plaintext key")
	}
}

func TestExport_ShortPassphrase(t *testing.T) {
	svc, _, _ := newTestService(t, fakeLookup{})

	if _, err := svc.Export(context.Background(), "user-1", "short"); err == nil {
		t.Error("short passphrase should be rejected")
	}
}

func TestDelete_InvalidatesClient(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	svc, store, _ := newTestService(t, fakeLookup{"openai": adapter})

	cred, _ := svc.Create(context.Background(), "user-1", "openai", "work", "sk-x")

	if err := svc.Delete(context.Background(), "user-1", cred.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(adapter.invalidated) != 1 {
		t.Errorf("expected 1 client invalidation, got %d", len(adapter.invalidated))
	}

	if _, err := store.Get(context.Background(), "user-1", cred.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected credential gone, got %v", err)
	}
}

func TestDelete_WrongUser(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	svc, _, _ := newTestService(t, fakeLookup{"openai": adapter})

	cred, _ := svc.Create(context.Background(), "user-1", "openai", "work", "sk-x")

	if err := svc.Delete(context.Background(), "user-2", cred.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("another user must not delete the credential, got %v", err)
	}
}

func TestList_ElidesCiphertext(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	svc, _, _ := newTestService(t, fakeLookup{"openai": adapter})

	svc.Create(context.Background(), "user-1", "openai", "work", "sk-x")

	creds, err := svc.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(creds))
	}
	if creds[0].Ciphertext != nil {
		t.Error("List must not expose ciphertext")
	}
}
