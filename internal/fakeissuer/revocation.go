package fakeissuer

import (
	"sync"
	"time"
)

// revokedAccess remembers revoked access credentials by jti until they
// would have expired anyway.
type revokedAccess struct {
	revoked map[string]time.Time
	mu      sync.RWMutex
}

func newRevokedAccess() *revokedAccess {
	return &revokedAccess{
		revoked: make(map[string]time.Time),
	}
}

func (c *revokedAccess) add(jti string, exp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[jti] = exp
}

func (c *revokedAccess) isRevoked(jti string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.revoked[jti]
	return exists
}

// cleanup drops entries that expired before now.
func (c *revokedAccess) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for jti, exp := range c.revoked {
		if now.After(exp) {
			delete(c.revoked, jti)
		}
	}
}
