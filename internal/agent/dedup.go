package agent

import (
	"sync"
	"time"

	"whatsbot/internal/domain"
)

// DedupStore remembers provider message ids already ingested. Keys are
// scoped by provider since ids are only unique within one provider.
type DedupStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[string]time.Time
	now       func() time.Time
	lastPrune time.Time
}

func NewDedupStore(ttl time.Duration) *DedupStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DedupStore{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func dedupKey(provider domain.ProviderTag, id string) string {
	return string(provider) + ":" + id
}

// Seen reports whether the id was recorded and has not expired.
func (d *DedupStore) Seen(provider domain.ProviderTag, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seenLocked(dedupKey(provider, id), d.now())
}

// Record marks the id as ingested.
func (d *DedupStore) Record(provider domain.ProviderTag, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.seen[dedupKey(provider, id)] = now
	d.maybePrune(now)
}

// Admit atomically checks and records the id. It returns false when the
// id was already seen. Events without an id are always admitted.
func (d *DedupStore) Admit(provider domain.ProviderTag, id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := dedupKey(provider, id)
	if d.seenLocked(key, now) {
		return false
	}
	d.seen[key] = now
	d.maybePrune(now)
	return true
}

// Forget removes the id so a later delivery is admitted again.
func (d *DedupStore) Forget(provider domain.ProviderTag, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, dedupKey(provider, id))
}

// Len returns the number of tracked ids, expired ones included.
func (d *DedupStore) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *DedupStore) seenLocked(key string, now time.Time) bool {
	at, ok := d.seen[key]
	if !ok {
		return false
	}
	if now.Sub(at) >= d.ttl {
		delete(d.seen, key)
		return false
	}
	return true
}

// maybePrune sweeps expired entries at most once per ttl/10.
func (d *DedupStore) maybePrune(now time.Time) {
	if now.Sub(d.lastPrune) < d.ttl/10 {
		return
	}
	d.lastPrune = now
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
}
