package cache

import (
	"container/list"
	"path"
	"sync"
	"time"
)

// localEntry is one resident value in the in-memory tier.
type localEntry struct {
	key       string
	value     any
	encoded   []byte // JSON form, reused for shared-tier writes
	expiresAt time.Time
}

// localTier is the in-memory cache: TTL per entry, LRU eviction once the
// memory budget is exceeded. Expired entries are dropped before any LRU
// eviction happens.
type localTier struct {
	mu       sync.Mutex
	maxBytes int64
	used     int64
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	evicted  int64
}

func newLocalTier(maxBytes int64) *localTier {
	return &localTier{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (l *localTier) get(key string, now time.Time) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*localEntry)
	if now.After(ent.expiresAt) {
		l.removeElement(el)
		return nil, false
	}
	l.order.MoveToFront(el)
	return ent.value, true
}

func (l *localTier) set(key string, value any, encoded []byte, ttl time.Duration, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.entries[key]; ok {
		l.removeElement(el)
	}
	ent := &localEntry{key: key, value: value, encoded: encoded, expiresAt: now.Add(ttl)}
	el := l.order.PushFront(ent)
	l.entries[key] = el
	l.used += int64(len(encoded))

	if l.used > l.maxBytes {
		l.dropExpired(now)
	}
	for l.used > l.maxBytes && l.order.Len() > 1 {
		oldest := l.order.Back()
		if oldest == nil || oldest == el {
			break
		}
		l.removeElement(oldest)
		l.evicted++
	}
}

func (l *localTier) delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.entries[key]
	if !ok {
		return false
	}
	l.removeElement(el)
	return true
}

// deletePattern evicts every key matching the glob pattern, returning the
// eviction count.
func (l *localTier) deletePattern(pattern string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, el := range l.entries {
		if ok, _ := path.Match(pattern, key); ok {
			l.removeElement(el)
			n++
		}
	}
	return n
}

// dropExpired removes every expired entry. Caller holds the lock.
func (l *localTier) dropExpired(now time.Time) int {
	n := 0
	for el := l.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*localEntry).expiresAt) {
			l.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

// sweep is the janitor entrypoint.
func (l *localTier) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropExpired(now)
}

func (l *localTier) removeElement(el *list.Element) {
	ent := el.Value.(*localEntry)
	l.order.Remove(el)
	delete(l.entries, ent.key)
	l.used -= int64(len(ent.encoded))
}

func (l *localTier) stats() (keys int, used int64, evicted int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len(), l.used, l.evicted
}
