package backends

import (
	"sync"
	"time"

	"github.com/systmms/rekey/internal/secure"
)

// tokenCache holds a short-lived auth token sealed in memory. Tokens are
// never persisted to disk.
type tokenCache struct {
	mu        sync.Mutex
	key       *secure.Key
	expiresAt time.Time
	now       func() time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{now: time.Now}
}

// get returns the cached token if one is set and not expired.
func (c *tokenCache) get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key == nil || c.now().After(c.expiresAt) {
		return "", false
	}
	token, err := c.key.String()
	if err != nil {
		return "", false
	}
	return token, true
}

// set stores token for ttl minus a small buffer so that it is refreshed
// before it actually expires.
func (c *tokenCache) set(token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := secure.SealString(token)
	if err != nil {
		return err
	}
	if c.key != nil {
		c.key.Destroy()
	}

	buffer := 5 * time.Second
	if ttl > buffer {
		ttl -= buffer
	}
	c.key = key
	c.expiresAt = c.now().Add(ttl)
	return nil
}

func (c *tokenCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil {
		c.key.Destroy()
	}
	c.key = nil
	c.expiresAt = time.Time{}
}
