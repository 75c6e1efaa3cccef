package byok

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/af-corp/relay-gateway/internal/router/adapters"
	"github.com/af-corp/relay-gateway/internal/telemetry"
)

const defaultCacheTTL = 5 * time.Minute

// ResolvedKey is a decrypted, ready-to-use vendor credential. It lives only
// in process memory; nothing here is ever written to Redis or Postgres.
type ResolvedKey struct {
	APIKey       string
	Vendor       string
	IsUserKey    bool
	CredentialID string
	// Fingerprint identifies the (user, key) pair for client caching
	// without exposing the key itself.
	Fingerprint string
}

// Resolver maps (vendor, userID) to a usable API key: the user's own stored
// credential when one exists, otherwise the operator's environment fallback.
// Resolve returning (nil, nil) means no credential at all.
type Resolver struct {
	store        CredentialStore
	cipher       *Cipher
	operatorKeys map[string]string
	metrics      *telemetry.Metrics

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	key     *ResolvedKey
	expires time.Time
}

func NewResolver(store CredentialStore, cipher *Cipher, operatorKeys map[string]string, metrics *telemetry.Metrics) *Resolver {
	return &Resolver{
		store:        store,
		cipher:       cipher,
		operatorKeys: operatorKeys,
		metrics:      metrics,
		cache:        make(map[string]cacheEntry),
		ttl:          defaultCacheTTL,
	}
}

func (r *Resolver) Resolve(ctx context.Context, vendor, userID string) (*ResolvedKey, error) {
	cacheKey := vendor + ":" + userID

	r.mu.RLock()
	entry, ok := r.cache[cacheKey]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		r.recordCache("hit")
		return entry.key, nil
	}
	r.recordCache("miss")

	key, err := r.resolveUncached(ctx, vendor, userID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[cacheKey] = cacheEntry{key: key, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return key, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, vendor, userID string) (*ResolvedKey, error) {
	cred, err := r.store.Newest(ctx, userID, vendor)
	if err != nil {
		return nil, fmt.Errorf("looking up credential: %w", err)
	}

	if cred != nil && cred.Status != StatusInvalid {
		plaintext, err := r.cipher.Decrypt(userID, cred.Ciphertext)
		if err != nil {
			slog.Error("stored credential failed to decrypt",
				"credential_id", cred.ID, "vendor", vendor)
			return nil, fmt.Errorf("credential %s: %w", cred.ID, err)
		}
		return &ResolvedKey{
			APIKey:       plaintext,
			Vendor:       vendor,
			IsUserKey:    true,
			CredentialID: cred.ID,
			Fingerprint:  adapters.Fingerprint(userID, plaintext),
		}, nil
	}

	if opKey, ok := r.operatorKeys[vendor]; ok && opKey != "" {
		return &ResolvedKey{
			APIKey:      opKey,
			Vendor:      vendor,
			IsUserKey:   false,
			Fingerprint: adapters.Fingerprint("operator", opKey),
		}, nil
	}

	return nil, nil
}

// Invalidate drops cached entries for a user. With no vendors given, every
// vendor entry for the user is dropped. Called on rotate, delete, and export.
func (r *Resolver) Invalidate(userID string, vendors ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(vendors) == 0 {
		suffix := ":" + userID
		for k := range r.cache {
			if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
				delete(r.cache, k)
			}
		}
		return
	}
	for _, v := range vendors {
		delete(r.cache, v+":"+userID)
	}
}

func (r *Resolver) recordCache(result string) {
	if r.metrics != nil {
		r.metrics.RecordKeyCache(result)
	}
}
