// Package cache is the query-result cache: an expiring LRU keyed by a
// digest of (parsed request, user role, session vars projected to the
// plan's usage). Mutations and subscriptions never enter it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"gateway/internal/auth"
	"gateway/internal/metrics"
	"gateway/internal/plan"
)

// Key is the cache key digest.
type Key string

// KeyFor digests the request together with the role and the session
// variables the plan actually reads. Two users whose projected vars agree
// share an entry.
func KeyFor(req plan.Request, user *auth.UserInfo, sessionVarsUsed []string) Key {
	h := sha256.New()
	h.Write([]byte(req.Query))
	h.Write([]byte{0})
	h.Write([]byte(req.OperationName))
	h.Write([]byte{0})
	if len(req.Variables) > 0 {
		names := make([]string, 0, len(req.Variables))
		for name := range req.Variables {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h.Write([]byte(name))
			h.Write([]byte{'='})
			h.Write(req.Variables[name])
			h.Write([]byte{0})
		}
	}
	h.Write([]byte(user.Role))
	h.Write([]byte{0})
	projected := make([]string, len(sessionVarsUsed))
	copy(projected, sessionVarsUsed)
	sort.Strings(projected)
	for _, name := range projected {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(user.Var(name)))
		h.Write([]byte{0})
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

type entry struct {
	payload   json.RawMessage
	expiresAt time.Time
}

// ResultCache caches assembled query responses. Entries carry their own
// TTL from the plan's cache directive, bounded by the cache-wide maximum.
type ResultCache struct {
	lru     *expirable.LRU[Key, entry]
	maxTTL  time.Duration
	metrics *metrics.Registry
}

// New creates a cache holding at most size entries for at most maxTTL.
func New(size int, maxTTL time.Duration, m *metrics.Registry) *ResultCache {
	return &ResultCache{
		lru:     expirable.NewLRU[Key, entry](size, nil, maxTTL),
		maxTTL:  maxTTL,
		metrics: m,
	}
}

// Get returns the cached payload for key, if present and fresh.
func (c *ResultCache) Get(key Key) (json.RawMessage, bool) {
	e, ok := c.lru.Get(key)
	if !ok || time.Now().After(e.expiresAt) {
		c.metrics.CacheMiss()
		return nil, false
	}
	c.metrics.CacheHit()
	return e.payload, true
}

// Set stores payload under key for ttl (clamped to the cache maximum;
// zero means the maximum).
func (c *ResultCache) Set(key Key, payload json.RawMessage, ttl time.Duration) {
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	c.lru.Add(key, entry{payload: payload, expiresAt: time.Now().Add(ttl)})
}
