package cache

import (
	"time"
)

// Policy names the L1 eviction strategy, configurable via
// core.CacheConfig.EvictionPolicy.
type Policy string

const (
	PolicyLRU      Policy = "lru"
	PolicyLFU      Policy = "lfu"
	PolicyAdaptive Policy = "adaptive"
)

// entry is one L1-resident value. It doubles as the node of the access-order
// linked list so every eviction policy can share the same bookkeeping: LRU
// reads list order directly, LFU and adaptive scan accessCount/lastAccess.
type entry struct {
	key         string
	value       []byte
	compressed  bool
	size        int
	expiresAt   time.Time
	accessCount int64
	lastAccess  time.Time
	prev, next  *entry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// l1Store is the in-memory tier: a bounded, size-tracked map with a
// pluggable eviction policy, grounded on pkg/routing/cache.go's LRUCache
// doubly-linked-list bookkeeping, generalized with LFU and adaptive
// selection over the tail of that same list.
type l1Store struct {
	policy       Policy
	memoryBudget int64
	usedBytes    int64

	items      map[string]*entry
	head, tail *entry // head = most recently accessed, tail = least
}

func newL1Store(policy Policy, memoryBudget int64) *l1Store {
	if policy == "" {
		policy = PolicyAdaptive
	}
	return &l1Store{
		policy:       policy,
		memoryBudget: memoryBudget,
		items:        make(map[string]*entry),
	}
}

func (s *l1Store) get(key string, now time.Time) (*entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		s.remove(e)
		return nil, false
	}
	e.accessCount++
	e.lastAccess = now
	s.moveToFront(e)
	return e, true
}

// availableBytes returns the headroom left under the memory budget, in
// bytes. It is 0 when no budget is set or the budget is already used up.
func (s *l1Store) availableBytes() int64 {
	if s.memoryBudget <= 0 {
		return 0
	}
	avail := s.memoryBudget - s.usedBytes
	if avail < 0 {
		return 0
	}
	return avail
}

// put admits or replaces an entry, evicting via the configured policy
// until there is room. Returns the number of entries evicted.
func (s *l1Store) put(key string, value []byte, compressed bool, ttl time.Duration, now time.Time) int {
	size := len(value)
	if old, ok := s.items[key]; ok {
		s.usedBytes -= int64(old.size)
		s.removeFromList(old)
		delete(s.items, key)
	}

	evicted := 0
	for s.memoryBudget > 0 && s.usedBytes+int64(size) > s.memoryBudget && len(s.items) > 0 {
		if !s.evictOne(now) {
			break
		}
		evicted++
	}

	e := &entry{key: key, value: value, compressed: compressed, size: size, lastAccess: now, accessCount: 1}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.items[key] = e
	s.usedBytes += int64(size)
	s.addToFront(e)
	return evicted
}

func (s *l1Store) delete(key string) bool {
	e, ok := s.items[key]
	if !ok {
		return false
	}
	s.remove(e)
	return true
}

func (s *l1Store) clear() {
	s.items = make(map[string]*entry)
	s.head, s.tail = nil, nil
	s.usedBytes = 0
}

func (s *l1Store) len() int { return len(s.items) }

func (s *l1Store) remove(e *entry) {
	s.usedBytes -= int64(e.size)
	s.removeFromList(e)
	delete(s.items, e.key)
}

// evictOne removes one entry per the configured policy, returning false if
// the store is empty.
func (s *l1Store) evictOne(now time.Time) bool {
	if s.tail == nil {
		return false
	}
	var victim *entry
	switch s.policy {
	case PolicyLFU:
		victim = s.leastFrequent()
	case PolicyAdaptive:
		victim = s.adaptiveVictim(now)
	default:
		victim = s.tail
	}
	if victim == nil {
		victim = s.tail
	}
	s.remove(victim)
	return true
}

func (s *l1Store) leastFrequent() *entry {
	var victim *entry
	for e := s.tail; e != nil; e = e.prev {
		if victim == nil || e.accessCount < victim.accessCount {
			victim = e
		}
	}
	return victim
}

// adaptiveVictim scores the 10 oldest-accessed candidates (the tail of the
// access-order list) as score = 0.3*frequency + 0.7*recency^-1 and evicts
// the lowest-scoring one. recency^-1 uses seconds-since-last-access, so a
// recently touched entry scores high on the recency term, raising its
// overall score and making it less likely to be picked.
func (s *l1Store) adaptiveVictim(now time.Time) *entry {
	const candidateWindow = 10
	var victim *entry
	var victimScore float64
	count := 0
	for e := s.tail; e != nil && count < candidateWindow; e, count = e.prev, count+1 {
		secs := now.Sub(e.lastAccess).Seconds()
		if secs < 1 {
			secs = 1
		}
		score := 0.3*float64(e.accessCount) + 0.7*(1/secs)
		if victim == nil || score < victimScore {
			victim = e
			victimScore = score
		}
	}
	return victim
}

func (s *l1Store) moveToFront(e *entry) {
	if e == s.head {
		return
	}
	s.removeFromList(e)
	s.addToFront(e)
}

func (s *l1Store) addToFront(e *entry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *l1Store) removeFromList(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if s.head == e {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if s.tail == e {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// expireSweep removes every entry past its TTL, for the eager background
// cleanup cycle.
func (s *l1Store) expireSweep(now time.Time) int {
	removed := 0
	for e := s.tail; e != nil; {
		prev := e.prev
		if e.expired(now) {
			s.remove(e)
			removed++
		}
		e = prev
	}
	return removed
}
