package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"getqr/internal/util"
	"getqr/pkg/domain"
)

// linkVersionTTL must outlive any single load.
const linkVersionTTL = 24 * time.Hour

// CachedLink is what a short link redirect needs without touching the database.
type CachedLink struct {
	LinkID   string        `json:"linkId"`
	QrID     string        `json:"qrId"`
	QrType   domain.QrType `json:"qrType"`
	URL      string        `json:"url"`
	Data     string        `json:"data,omitempty"`
	Archived bool          `json:"archived"`
}

// LinkLoader resolves a link from the source of truth. ok is false for unknown links.
type LinkLoader func(ctx context.Context) (CachedLink, bool, error)

// LinkCache is a read-through cache of link:{domain}:{key} entries.
type LinkCache struct {
	kv    KV
	ttl   time.Duration
	group singleflight.Group
}

func NewLinkCache(kv KV, ttl time.Duration) *LinkCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LinkCache{kv: kv, ttl: ttl}
}

func LinkKey(domainName, key string) string {
	return "link:" + domainName + ":" + key
}

// LinkVersionKey counts invalidations of one link entry.
func LinkVersionKey(domainName, key string) string {
	return "link-version:" + domainName + ":" + key
}

type loadResult struct {
	link CachedLink
	ok   bool
}

// Get returns the cached link or loads it once for concurrent callers. Misses are not
// cached. Cache read and write failures fall through to the loader. A load result is
// stored only if the entry was not invalidated while loading.
func (c *LinkCache) Get(ctx context.Context, domainName, key string, load LinkLoader) (CachedLink, bool, error) {
	logger := util.LoggerFromContext(ctx)
	k := LinkKey(domainName, key)
	if raw, ok, err := c.kv.Get(ctx, k); err == nil && ok {
		var link CachedLink
		if json.Unmarshal(raw, &link) == nil {
			return link, true, nil
		}
	} else if err != nil {
		logger.Warn("link cache read failed", "key", k, "err", err)
	}
	v, err, _ := c.group.Do(k, func() (any, error) {
		vk := LinkVersionKey(domainName, key)
		version, verErr := c.kv.Version(ctx, vk)
		link, ok, err := load(ctx)
		if err != nil || !ok {
			return loadResult{}, err
		}
		if verErr != nil {
			logger.Warn("link cache version read failed", "key", vk, "err", verErr)
			return loadResult{link: link, ok: true}, nil
		}
		if raw, err := json.Marshal(link); err == nil {
			stored, err := c.kv.SetIfVersion(ctx, vk, version, k, raw, c.ttl)
			switch {
			case err != nil:
				logger.Warn("link cache write failed", "key", k, "err", err)
			case !stored:
				logger.Debug("link changed while loading, not cached", "key", k)
			}
		}
		return loadResult{link: link, ok: true}, nil
	})
	if err != nil {
		return CachedLink{}, false, err
	}
	res := v.(loadResult)
	return res.link, res.ok, nil
}

// Invalidate drops the entry so the next lookup goes to the loader. Loads already in
// flight still return to their callers but no longer write to the cache.
func (c *LinkCache) Invalidate(ctx context.Context, domainName, key string) error {
	k := LinkKey(domainName, key)
	c.group.Forget(k)
	return c.kv.Bump(ctx, LinkVersionKey(domainName, key), linkVersionTTL, k)
}
