package cachestore

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"shellcache/internal/logger"
)

// Key layout:
//
//	g:<gen>            generation marker (genMeta)
//	e:<gen>\x00<key>   entry (Entry)
//	m:<gen>\x00<key>   entry metadata (diskMeta)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

type genMeta struct {
	Seq       uint64
	CreatedAt int64
}

type diskMeta struct {
	Size       int64
	StoredAt   int64
	LastAccess int64
}

type levelStore struct {
	maxBytes int64
	db       *leveldb.DB

	mu        sync.Mutex
	closed    bool
	gens      map[string]genMeta
	nextSeq   uint64
	index     map[string]diskMeta // itemKey(gen, key)
	totalSize int64

	overflowLog *rateLimitedLogger
	log         logger.Logger
}

// OpenLevelDB opens (or creates) a LevelDB backed Storage at path.
// maxBytes <= 0 disables eviction.
func OpenLevelDB(path string, maxBytes int64, log logger.Logger) (Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &levelStore{
		maxBytes:    maxBytes,
		db:          db,
		gens:        map[string]genMeta{},
		index:       map[string]diskMeta{},
		overflowLog: newRateLimitedLogger(log, defaultOverflowLogInterval),
		log:         logger.OrNop(log),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStore) loadIndex() error {
	gens := map[string]genMeta{}
	var next uint64
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		var gm genMeta
		if err := decodeGob(it.Value(), &gm); err != nil {
			continue
		}
		gens[name] = gm
		if gm.Seq >= next {
			next = gm.Seq + 1
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	idx := map[string]diskMeta{}
	var total int64
	it = s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[k] = meta
		total += meta.Size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.gens = gens
	s.nextSeq = next
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *levelStore) Open(name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.gens[name]; !ok {
		gm := genMeta{Seq: s.nextSeq, CreatedAt: time.Now().UnixNano()}
		b, err := encodeGob(gm)
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(genPrefix+name), b, nil); err != nil {
			return nil, err
		}
		s.gens[name] = gm
		s.nextSeq++
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStore) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.gens[name]
	return ok, nil
}

func (s *levelStore) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.gens[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + name))
	for _, prefix := range []string{entryPrefix, metaPrefix} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}

	delete(s.gens, name)
	p := name + "\x00"
	for k, meta := range s.index {
		if strings.HasPrefix(k, p) {
			s.totalSize -= meta.Size
			delete(s.index, k)
		}
	}
	return true, nil
}

func (s *levelStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.gens))
	for name := range s.gens {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.gens[out[i]].Seq < s.gens[out[j]].Seq
	})
	return out, nil
}

func (s *levelStore) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Generations: len(s.gens), Entries: len(s.index), Bytes: s.totalSize}
}

func (s *levelStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// evictLocked drops the least recently used 10% of entries, static
// generations last.
func (s *levelStore) evictLocked() bool {
	type item struct {
		k    string
		m    diskMeta
		keep bool
	}
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		gen, _, _ := strings.Cut(k, "\x00")
		items = append(items, item{k, m, evictLast(gen)})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].keep != items[j].keep {
			return items[j].keep
		}
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	batch := new(leveldb.Batch)
	for i := 0; i < n && i < len(items); i++ {
		batch.Delete([]byte(entryPrefix + items[i].k))
		batch.Delete([]byte(metaPrefix + items[i].k))
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.log.Warn("disk cache eviction failed", zap.Error(err))
		return false
	}
	for i := 0; i < n && i < len(items); i++ {
		s.totalSize -= items[i].m.Size
		delete(s.index, items[i].k)
	}
	return true
}

type levelCache struct {
	s    *levelStore
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(key string) (Entry, bool, error) {
	k := itemKey(c.name, key)
	c.s.mu.Lock()
	if c.s.closed {
		c.s.mu.Unlock()
		return Entry{}, false, ErrClosed
	}
	meta, ok := c.s.index[k]
	if ok {
		meta.LastAccess = time.Now().UnixNano()
		c.s.index[k] = meta
	}
	c.s.mu.Unlock()
	if !ok {
		return Entry{}, false, nil
	}

	b, err := c.s.db.Get([]byte(entryPrefix+k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (c *levelCache) Put(ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	k := itemKey(c.name, ent.Key())
	now := time.Now().UnixNano()
	meta := diskMeta{Size: int64(len(b)), StoredAt: ent.StoredAt, LastAccess: now}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.closed {
		return ErrClosed
	}
	if _, ok := c.s.gens[c.name]; !ok {
		return ErrGenerationDeleted
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+k), b)
	batch.Put([]byte(metaPrefix+k), mb)
	if err := c.s.db.Write(batch, nil); err != nil {
		return err
	}

	if old, ok := c.s.index[k]; ok {
		c.s.totalSize -= old.Size
	}
	c.s.index[k] = meta
	c.s.totalSize += meta.Size

	for c.s.maxBytes > 0 && c.s.totalSize > c.s.maxBytes && len(c.s.index) > 0 {
		c.s.overflowLog.Warn("disk cache over budget, evicting",
			zap.Int64("total", c.s.totalSize), zap.Int64("max", c.s.maxBytes))
		if !c.s.evictLocked() {
			break
		}
	}
	return nil
}

func (c *levelCache) Delete(key string) (bool, error) {
	k := itemKey(c.name, key)
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.closed {
		return false, ErrClosed
	}
	meta, ok := c.s.index[k]
	if !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + k))
	batch.Delete([]byte(metaPrefix + k))
	if err := c.s.db.Write(batch, nil); err != nil {
		return false, err
	}
	c.s.totalSize -= meta.Size
	delete(c.s.index, k)
	return true, nil
}

func (c *levelCache) Keys() ([]string, error) {
	p := c.name + "\x00"
	c.s.mu.Lock()
	if c.s.closed {
		c.s.mu.Unlock()
		return nil, ErrClosed
	}
	refs := make([]keyRef, 0)
	for k, meta := range c.s.index {
		if strings.HasPrefix(k, p) {
			refs = append(refs, keyRef{key: strings.TrimPrefix(k, p), storedAt: meta.StoredAt})
		}
	}
	c.s.mu.Unlock()
	return sortedKeys(refs), nil
}
