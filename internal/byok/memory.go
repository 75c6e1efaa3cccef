package byok

import (
	"context"
	"sync"
	"time"

	"github.com/af-corp/relay-gateway/internal/router/adapters"
)

// MemoryStore is an in-process CredentialStore for tests and single-node
// dev setups without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func (m *MemoryStore) Insert(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.UserID == cred.UserID && c.Vendor == cred.Vendor && c.KeyName == cred.KeyName {
			return ErrDuplicateName
		}
	}
	cp := *cred
	cp.UpdatedAt = cp.CreatedAt
	m.creds[cred.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID, id string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Newest(ctx context.Context, userID, vendor string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Credential
	for _, c := range m.creds {
		if c.UserID != userID || c.Vendor != vendor {
			continue
		}
		if best == nil || newer(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// newer prefers valid credentials, then the most recently updated.
func newer(a, b *Credential) bool {
	if (a.Status == StatusValid) != (b.Status == StatusValid) {
		return a.Status == StatusValid
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func (m *MemoryStore) List(ctx context.Context, userID string) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Credential
	for _, c := range m.creds {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status CredentialStatus, lastError string, quota *adapters.QuotaInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.LastError = lastError
	c.Quota = quota
	if status == StatusValid {
		now := time.Now().UTC()
		c.LastValidated = &now
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateCiphertext(ctx context.Context, id string, ciphertext []byte, expectedUpdatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return ErrNotFound
	}
	if !c.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrNotFound
	}
	c.Ciphertext = ciphertext
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(m.creds, id)
	return nil
}
