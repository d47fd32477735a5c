// Package streamcache implements the stream cache & pub/sub (C5): a
// per-(container, session) last-buffer snapshot, and a subscriber fan-out
// that delivers each new snapshot outside any lock (spec §4.5).
package streamcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache" // teacher dep: sharded, mutex-guarded map, repurposed without TTL eviction
	log "github.com/sirupsen/logrus"
)

// Key identifies one terminal-multiplexer session mirrored from a
// container.
type Key struct {
	Container string
	Session   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Container, k.Session)
}

// Snapshot is the cached state of one session (spec §3 SessionStream).
type Snapshot struct {
	Buffer     string
	CursorX    int
	CursorY    int
	PaneWidth  int
	PaneHeight int
	UpdatedAt  time.Time
}

// Subscriber receives snapshots for one key. Deliver must not block the
// producer for long; a slow subscriber only delays other subscribers on
// the same key (spec §4.5, §5).
type Subscriber interface {
	Deliver(key Key, snap Snapshot)
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(key Key, snap Snapshot)

func (f SubscriberFunc) Deliver(key Key, snap Snapshot) { f(key, snap) }

// funcSubscriber gives a registered SubscriberFunc a comparable identity;
// func values themselves cannot be compared with ==.
type funcSubscriber struct{ f SubscriberFunc }

func (s *funcSubscriber) Deliver(key Key, snap Snapshot) { s.f(key, snap) }

// Cache holds the latest snapshot per (container, session) and the
// subscriber lists watching them. The cache lock and the subscriber lock
// are kept separate to minimize contention between data updates and
// subscription churn (spec §5).
type Cache struct {
	snapshots *cache.Cache

	subMu sync.Mutex
	subs  map[Key][]Subscriber
}

// New returns an empty stream cache.
func New() *Cache {
	return &Cache{
		snapshots: cache.New(cache.NoExpiration, cache.NoExpiration),
		subs:      make(map[Key][]Subscriber),
	}
}

// Register ensures a namespace exists for key, per a stream_register event.
// If key has no snapshot yet it stores an empty one (no buffer, zero
// cursor and pane size), so the session shows up in Keys before its first
// stream_data event; an existing snapshot is left as it is.
func (c *Cache) Register(key Key) {
	if _, ok := c.snapshots.Get(key.String()); !ok {
		c.snapshots.Set(key.String(), Snapshot{UpdatedAt: time.Now()}, cache.NoExpiration)
	}
}

// Update atomically replaces key's snapshot — the cache never merges, the
// latest stream_data completely supersedes the prior snapshot (spec §4.5)
// — then fans the new snapshot out to every subscriber on key, each
// dispatched outside the cache/subscriber locks.
func (c *Cache) Update(key Key, snap Snapshot) {
	snap.UpdatedAt = time.Now()
	c.snapshots.Set(key.String(), snap, cache.NoExpiration)
	c.fanOut(key, snap)
}

// Unregister removes key's snapshot, per a stream_unregister event.
func (c *Cache) Unregister(key Key) {
	c.snapshots.Delete(key.String())
}

// Get returns a consistent snapshot for key, if one exists.
func (c *Cache) Get(key Key) (Snapshot, bool) {
	v, ok := c.snapshots.Get(key.String())
	if !ok {
		return Snapshot{}, false
	}
	return v.(Snapshot), true
}

// Keys returns every (container, session) pair currently cached, used by
// the completion-data handler's sessions listing.
func (c *Cache) Keys() []Key {
	items := c.snapshots.Items()
	out := make([]Key, 0, len(items))
	for k := range items {
		if key, err := parseKey(k); err == nil {
			out = append(out, key)
		}
	}
	return out
}

// PurgeContainer removes every (container, *) snapshot and subscriber list
// for the given container, per disconnect cleanup (spec §4.5, §8 scenario
// 6). It must be called from the manager's documented lock-acquisition
// order: connections -> stream -> subscribers -> state.
func (c *Cache) PurgeContainer(container string) {
	for k := range c.snapshots.Items() {
		key, err := parseKey(k)
		if err != nil {
			continue
		}
		if key.Container == container {
			c.snapshots.Delete(k)
		}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for key := range c.subs {
		if key.Container == container {
			delete(c.subs, key)
		}
	}
}

func parseKey(s string) (Key, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return Key{Container: s[:i], Session: s[i+1:]}, nil
		}
	}
	return Key{}, fmt.Errorf("streamcache: malformed cache key %q", s)
}

// Subscribe registers sub against key and returns an unsubscribe function.
func (c *Cache) Subscribe(key Key, sub Subscriber) (unsubscribe func()) {
	if f, ok := sub.(SubscriberFunc); ok {
		sub = &funcSubscriber{f: f}
	}
	c.subMu.Lock()
	c.subs[key] = append(c.subs[key], sub)
	c.subMu.Unlock()

	return func() { c.Unsubscribe(key, sub) }
}

// Unsubscribe removes the first occurrence of sub registered against key.
// A SubscriberFunc is stored wrapped, so it is removed only through the
// function Subscribe returned for it.
func (c *Cache) Unsubscribe(key Key, sub Subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	list := c.subs[key]
	for i, s := range list {
		if s == sub {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			break
		}
	}
	if len(list) == 0 {
		delete(c.subs, key)
	} else {
		c.subs[key] = list
	}
}

// fanOut takes a snapshot of key's subscriber list under the subscriber
// lock, then dispatches outside it so one broken subscriber cannot stall
// the others or the producer (spec §4.5, §8 "Subscriber isolation").
func (c *Cache) fanOut(key Key, snap Snapshot) {
	c.subMu.Lock()
	list := append([]Subscriber(nil), c.subs[key]...)
	c.subMu.Unlock()

	for _, sub := range list {
		deliverSafely(sub, key, snap)
	}
}

func deliverSafely(sub Subscriber, key Key, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("key", key.String()).WithField("panic", r).
				Error("streamcache: subscriber callback panicked, left registered")
		}
	}()
	sub.Deliver(key, snap)
}
