package detector

import (
	"container/list"
	"hash/fnv"
	"net/netip"
	"sync"
	"time"
)

// entry is the tracked state for one source address. It is owned by exactly
// one shard and only touched under that shard's lock.
type entry struct {
	ports map[uint16]time.Time // destination port -> last seen

	// horizon is the newest timestamp observed for this source. Eviction
	// cuts at horizon-window and never rewinds, so a late-arriving
	// observation cannot resurrect already-evicted ports.
	horizon time.Time

	alertedUntil time.Time
	lruElem      *list.Element
}

// shard guards a partition of the source map. A source always hashes to the
// same shard, which both bounds lock contention and keeps per-source
// operations serialized.
type shard struct {
	mu      sync.Mutex
	entries map[netip.Addr]*entry
	lru     *list.List // front = most recently active source
	cap     int
}

func newShard(capacity int) *shard {
	return &shard{
		entries: make(map[netip.Addr]*entry),
		lru:     list.New(),
		cap:     capacity,
	}
}

// shardIndex hashes the address bytes so that v4 and v6 sources spread
// evenly across shards.
func shardIndex(addr netip.Addr, n int) int {
	h := fnv.New32a()
	b := addr.As16()
	h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}

// record inserts or refreshes (port, ts) for source, evicts stale ports, and
// returns the post-eviction distinct-port count together with the entry so
// the caller can run the alert decision under the same lock hold.
func (s *shard) record(source netip.Addr, port uint16, ts time.Time, window time.Duration) (*entry, int, bool) {
	evictedForCap := false

	e, ok := s.entries[source]
	if !ok {
		if len(s.entries) >= s.cap {
			s.evictOldest()
			evictedForCap = true
		}
		e = &entry{ports: make(map[uint16]time.Time)}
		e.lruElem = s.lru.PushFront(source)
		s.entries[source] = e
	} else {
		s.lru.MoveToFront(e.lruElem)
	}

	if ts.After(e.horizon) {
		e.horizon = ts
	}

	// Re-probing a port refreshes its timestamp; an out-of-order duplicate
	// never rewinds it.
	if last, seen := e.ports[port]; !seen || ts.After(last) {
		e.ports[port] = ts
	}

	cutoff := e.horizon.Add(-window)
	for p, last := range e.ports {
		if !last.After(cutoff) {
			delete(e.ports, p)
		}
	}

	count := len(e.ports)
	if count == 0 {
		s.remove(source, e)
		return nil, 0, evictedForCap
	}
	return e, count, evictedForCap
}

// evictOldest drops the least-recently-active source to make room for a new
// one when the shard is at capacity.
func (s *shard) evictOldest() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	source := back.Value.(netip.Addr)
	if e, ok := s.entries[source]; ok {
		s.remove(source, e)
	}
}

func (s *shard) remove(source netip.Addr, e *entry) {
	delete(s.entries, source)
	s.lru.Remove(e.lruElem)
}

// sweep reclaims sources whose newest activity is older than the window.
// Returns the number of entries removed.
func (s *shard) sweep(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for source, e := range s.entries {
		if now.Sub(e.horizon) > window {
			s.remove(source, e)
			reclaimed++
		}
	}
	return reclaimed
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
