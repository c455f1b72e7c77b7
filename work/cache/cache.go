package cache

import (
	"time"

	"flyx-proxy/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// Clock supplies the current time. Injected so TTL boundaries are testable
// without sleeping.
type Clock func() time.Time

// Store is a TTL cache for one value type, backed by a concurrent map.
// Concurrent reads are safe and concurrent writes are last-writer-wins;
// recomputing the same value twice under contention is acceptable here
// because correctness depends only on freshness.
type Store[V any] struct {
	entries *xsync.MapOf[string, entry[V]]
	ttl     time.Duration
	now     Clock
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// NewStore creates a TTL cache. A nil clock uses the wall clock.
func NewStore[V any](ttl time.Duration, now Clock) *Store[V] {
	if now == nil {
		now = time.Now
	}
	return &Store[V]{
		entries: xsync.NewMapOf[string, entry[V]](),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns the cached value when present and not past its TTL. Expired
// entries are dropped on access rather than by a background sweeper.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V
	e, ok := s.entries.Load(key)
	if !ok {
		return zero, false
	}
	if s.now().Sub(e.storedAt) >= s.ttl {
		s.entries.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Set stores the value stamped with the current time.
func (s *Store[V]) Set(key string, value V) {
	s.entries.Store(key, entry[V]{value: value, storedAt: s.now()})
}

// Invalidate removes the entry regardless of age.
func (s *Store[V]) Invalidate(key string) {
	s.entries.Delete(key)
}

// Size returns the number of entries including any not yet swept.
func (s *Store[V]) Size() int {
	return s.entries.Size()
}

// NowFunc exposes the store's clock so callers stamp records with the same
// time source the TTL check uses.
func (s *Store[V]) NowFunc() Clock {
	return s.now
}

// Caches bundles the three in-process stores the proxy shares across
// requests: player handshake sessions, backend server assignments and
// decryption keys. Each has its own lifetime; all share one clock.
type Caches struct {
	Handshakes *Store[types.HandshakeSession]
	ServerKeys *Store[types.ServerKey]
	Keys       *Store[types.DecryptionKey]
}

// New builds the cache set with the given TTLs. The clock is shared so tests
// can advance every store at once.
func New(handshakeTTL, serverKeyTTL, keyTTL time.Duration, now Clock) *Caches {
	return &Caches{
		Handshakes: NewStore[types.HandshakeSession](handshakeTTL, now),
		ServerKeys: NewStore[types.ServerKey](serverKeyTTL, now),
		Keys:       NewStore[types.DecryptionKey](keyTTL, now),
	}
}

// InvalidateChannel drops everything cached for one channel. Wired to the
// stream endpoint's invalidate flag, which players hit after repeated
// decrypt failures.
func (c *Caches) InvalidateChannel(channel string) {
	c.Handshakes.Invalidate(channel)
	c.ServerKeys.Invalidate(channel)
	c.Keys.Invalidate(channel)
}
