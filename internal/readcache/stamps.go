package readcache

import (
	"strings"
	"sync"
	"time"
)

// stampTable tracks when keys and prefixes were last invalidated. A key's
// stamp only moves when that key, or a prefix covering it, is invalidated,
// so unrelated writes never discard an in-flight fill.
type stampTable struct {
	mu        sync.Mutex
	seq       uint64
	keys      map[string]stampEntry
	prefixes  map[string]stampEntry
	retention time.Duration
	now       func() time.Time
}

type stampEntry struct {
	seq uint64
	at  time.Time
}

// pruneAbove is the table size that triggers dropping expired entries.
const pruneAbove = 1024

func newStampTable(retention time.Duration) *stampTable {
	return &stampTable{
		keys:      make(map[string]stampEntry),
		prefixes:  make(map[string]stampEntry),
		retention: retention,
		now:       time.Now,
	}
}

// get returns the latest invalidation sequence covering key, or 0.
func (t *stampTable) get(key string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	stamp := t.keys[key].seq
	for p, e := range t.prefixes {
		if e.seq > stamp && strings.HasPrefix(key, p) {
			stamp = e.seq
		}
	}
	return stamp
}

func (t *stampTable) bumpKeys(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	now := t.now()
	for _, k := range keys {
		t.keys[k] = stampEntry{seq: t.seq, at: now}
	}
	t.pruneLocked(now)
}

func (t *stampTable) bumpPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	now := t.now()
	t.prefixes[prefix] = stampEntry{seq: t.seq, at: now}
	t.pruneLocked(now)
}

// pruneLocked forgets entries older than any load can run. A load that
// outlives its entry sees the stamp change and skips its fill.
func (t *stampTable) pruneLocked(now time.Time) {
	if len(t.keys)+len(t.prefixes) <= pruneAbove {
		return
	}
	for k, e := range t.keys {
		if now.Sub(e.at) > t.retention {
			delete(t.keys, k)
		}
	}
	for p, e := range t.prefixes {
		if now.Sub(e.at) > t.retention {
			delete(t.prefixes, p)
		}
	}
}

func (t *stampTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys) + len(t.prefixes)
}
