package cachestore

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"shellcache/internal/logger"
)

type ramItem struct {
	gen  string
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// memoryStore keeps every generation in one LRU list bounded by maxBytes.
// maxBytes <= 0 means unbounded.
type memoryStore struct {
	maxBytes int64

	mu     sync.Mutex
	closed bool
	gens   map[string]struct{}
	order  []string
	items  map[string]*ramItem
	head   *ramItem
	tail   *ramItem
	total  int64

	overflowLog *rateLimitedLogger
}

// NewMemory returns a process-local Storage.
func NewMemory(maxBytes int64, log logger.Logger) Storage {
	return &memoryStore{
		maxBytes:    maxBytes,
		gens:        map[string]struct{}{},
		items:       map[string]*ramItem{},
		overflowLog: newRateLimitedLogger(log, defaultOverflowLogInterval),
	}
}

func itemKey(gen, key string) string { return gen + "\x00" + key }

func (s *memoryStore) Open(name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.gens[name]; !ok {
		s.gens[name] = struct{}{}
		s.order = append(s.order, name)
	}
	return &memoryCache{s: s, name: name}, nil
}

func (s *memoryStore) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.gens[name]
	return ok, nil
}

func (s *memoryStore) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.gens[name]; !ok {
		return false, nil
	}
	delete(s.gens, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for k, it := range s.items {
		if it.gen == name {
			s.removeLocked(k, it)
		}
	}
	return true, nil
}

func (s *memoryStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *memoryStore) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Generations: len(s.gens), Entries: len(s.items), Bytes: s.total}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = map[string]*ramItem{}
	s.head, s.tail, s.total = nil, nil, 0
	return nil
}

func (s *memoryStore) removeLocked(k string, it *ramItem) {
	s.unlink(it)
	delete(s.items, k)
	s.total -= it.size
}

func (s *memoryStore) evictLocked() {
	count := len(s.items)
	if count == 0 {
		return
	}
	n := count / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		victim := s.tail
		if victim == nil {
			return
		}
		for it := s.tail; it != nil; it = it.prev {
			if !evictLast(it.gen) {
				victim = it
				break
			}
		}
		s.removeLocked(itemKey(victim.gen, victim.key), victim)
	}
}

func (s *memoryStore) addToFront(it *ramItem) {
	it.prev = nil
	it.next = s.head
	if s.head != nil {
		s.head.prev = it
	}
	s.head = it
	if s.tail == nil {
		s.tail = it
	}
}

func (s *memoryStore) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		s.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		s.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (s *memoryStore) moveToFront(it *ramItem) {
	if s.head == it {
		return
	}
	s.unlink(it)
	s.addToFront(it)
}

type memoryCache struct {
	s    *memoryStore
	name string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(key string) (Entry, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.closed {
		return Entry{}, false, ErrClosed
	}
	it, ok := c.s.items[itemKey(c.name, key)]
	if !ok {
		return Entry{}, false, nil
	}
	c.s.moveToFront(it)
	return it.ent, true, nil
}

func (c *memoryCache) Put(ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	sz := int64(len(b))
	key := ent.Key()
	k := itemKey(c.name, key)

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.closed {
		return ErrClosed
	}
	if _, ok := c.s.gens[c.name]; !ok {
		return ErrGenerationDeleted
	}
	if c.s.maxBytes > 0 && sz > c.s.maxBytes {
		c.s.overflowLog.Warn("cache entry larger than memory budget, not stored",
			zap.String("cache", c.name), zap.String("key", key), zap.Int64("size", sz))
		return nil
	}

	if it, ok := c.s.items[k]; ok {
		c.s.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.s.moveToFront(it)
	} else {
		it := &ramItem{gen: c.name, key: key, ent: ent, size: sz}
		c.s.items[k] = it
		c.s.addToFront(it)
		c.s.total += sz
	}

	for c.s.maxBytes > 0 && c.s.total > c.s.maxBytes && c.s.tail != nil {
		c.s.overflowLog.Warn("memory cache over budget, evicting",
			zap.Int64("total", c.s.total), zap.Int64("max", c.s.maxBytes))
		c.s.evictLocked()
	}
	return nil
}

func (c *memoryCache) Delete(key string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.closed {
		return false, ErrClosed
	}
	k := itemKey(c.name, key)
	it, ok := c.s.items[k]
	if !ok {
		return false, nil
	}
	c.s.removeLocked(k, it)
	return true, nil
}

func (c *memoryCache) Keys() ([]string, error) {
	c.s.mu.Lock()
	if c.s.closed {
		c.s.mu.Unlock()
		return nil, ErrClosed
	}
	refs := make([]keyRef, 0)
	for _, it := range c.s.items {
		if it.gen == c.name {
			refs = append(refs, keyRef{key: it.key, storedAt: it.ent.StoredAt})
		}
	}
	c.s.mu.Unlock()
	return sortedKeys(refs), nil
}

type keyRef struct {
	key      string
	storedAt int64
}

func sortedKeys(refs []keyRef) []string {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].storedAt != refs[j].storedAt {
			return refs[i].storedAt < refs[j].storedAt
		}
		return refs[i].key < refs[j].key
	})
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.key
	}
	return out
}
