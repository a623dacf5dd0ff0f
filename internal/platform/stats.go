package platform

import (
	"math"
	"sync"
	"sync/atomic"
)

// responseStats accumulates what Handler served since the container started.
// Snapshot reads the counters without resetting them.
type responseStats struct {
	total    atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64

	mu       sync.Mutex
	bySource map[string]uint64
}

func newResponseStats() *responseStats {
	s := &responseStats{bySource: make(map[string]uint64)}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *responseStats) Observe(source string, size int64) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)

	s.total.Add(1)
	s.bytes.Add(n)
	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.bySource[source]++
	s.mu.Unlock()
}

type Stats struct {
	Responses uint64
	Bytes     uint64
	MinBytes  uint64
	MaxBytes  uint64
	AvgBytes  uint64
	BySource  map[string]uint64
}

func (s *responseStats) Snapshot() Stats {
	s.mu.Lock()
	by := make(map[string]uint64, len(s.bySource))
	for k, v := range s.bySource {
		by[k] = v
	}
	s.mu.Unlock()

	count := s.total.Load()
	if count == 0 {
		return Stats{BySource: by}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	total := s.bytes.Load()
	return Stats{
		Responses: count,
		Bytes:     total,
		MinBytes:  minv,
		MaxBytes:  s.maxBytes.Load(),
		AvgBytes:  total / count,
		BySource:  by,
	}
}

// Stats reports what Handler has served.
func (c *Container) Stats() Stats { return c.stats.Snapshot() }
