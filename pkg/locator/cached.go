package locator

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultCacheTTL is how long Cached keeps a located server.
const DefaultCacheTTL = 30 * time.Second

const cacheKey = "base"

// Cached memoizes the successful results of a Locator. Failures are not
// cached.
type Cached struct {
	locator Locator
	cache   *ttlcache.Cache[string, string]
}

// NewCached returns a Cached wrapping l. A zero ttl means DefaultCacheTTL.
func NewCached(l Locator, ttl time.Duration) *Cached {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return &Cached{locator: l, cache: cache}
}

// Locate implements Locator.
func (c *Cached) Locate(ctx context.Context) (string, error) {
	if item := c.cache.Get(cacheKey); item != nil {
		log.Debug("using cached server", "url", item.Value())
		return item.Value(), nil
	}
	base, err := c.locator.Locate(ctx)
	if err != nil {
		return "", err
	}
	c.cache.Set(cacheKey, base, ttlcache.DefaultTTL)
	return base, nil
}
