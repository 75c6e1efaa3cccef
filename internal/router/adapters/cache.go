package adapters

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/af-corp/relay-gateway/internal/config"
)

// Fingerprint identifies a (user, credential) pair without exposing the
// secret. Used as the client-cache key and in audit entries.
func Fingerprint(userID, apiKey string) string {
	h := sha256.Sum256([]byte(userID + ":" + apiKey))
	return fmt.Sprintf("%x", h[:8])
}

// vendorClient binds a constructed transport to one credential so repeated
// calls reuse connection state.
type vendorClient struct {
	http   *http.Client
	apiKey string
}

// clientCache caches vendor clients per credential fingerprint. Entries are
// invalidated when the credential changes.
type clientCache struct {
	mu      sync.RWMutex
	cfg     config.VendorConfig
	clients map[string]*vendorClient
}

func newClientCache(cfg config.VendorConfig) *clientCache {
	return &clientCache{cfg: cfg, clients: make(map[string]*vendorClient)}
}

func (c *clientCache) get(userID, apiKey string) *vendorClient {
	fp := Fingerprint(userID, apiKey)

	c.mu.RLock()
	vc, ok := c.clients[fp]
	c.mu.RUnlock()
	if ok {
		return vc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vc, ok := c.clients[fp]; ok {
		return vc
	}

	maxConc := c.cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 10
	}
	vc = &vendorClient{
		apiKey: apiKey,
		http: &http.Client{
			// No client-level timeout: streams outlive any fixed request
			// timeout, and the router enforces the wall-clock ceiling via
			// context.
			Transport: &http.Transport{
				MaxIdleConns:        maxConc,
				MaxIdleConnsPerHost: maxConc,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
	c.clients[fp] = vc
	return vc
}

func (c *clientCache) invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vc, ok := c.clients[fingerprint]; ok {
		vc.http.CloseIdleConnections()
		delete(c.clients, fingerprint)
	}
}
