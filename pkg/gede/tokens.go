package gede

import (
	"sync"
	"time"
)

// DefaultTokenTTL is how long a login token is reused. It must not exceed
// the token lifetime of the concentrators.
const DefaultTokenTTL = 10 * time.Minute

type cachedToken struct {
	token   string
	expires time.Time
}

// TokenCache holds at most one token per concentrator address.
type TokenCache struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewTokenCache creates a cache whose entries live for ttl. A nil now uses
// time.Now.
func NewTokenCache(ttl time.Duration, now func() time.Time) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		ttl:    ttl,
		now:    now,
		tokens: make(map[string]cachedToken),
	}
}

// Get returns the unexpired token for address. Expired tokens are dropped.
func (c *TokenCache) Get(address string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[address]
	if !ok {
		return "", false
	}
	if !c.now().Before(t.expires) {
		delete(c.tokens, address)
		return "", false
	}
	return t.token, true
}

// Put caches token for address, replacing any previous token.
func (c *TokenCache) Put(address, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[address] = cachedToken{
		token:   token,
		expires: c.now().Add(c.ttl),
	}
}

// Evict drops the token for address if it is still token. Another request
// may already have replaced it with a fresh login.
func (c *TokenCache) Evict(address, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tokens[address]; ok && t.token == token {
		delete(c.tokens, address)
	}
}

// Len returns the number of cached tokens, expired or not.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}
