package securefetch

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// AdaptiveStorage is a bounded in-memory Storage using otter. Eviction is
// W-TinyLFU, so it approximates rather than guarantees LRU order; use
// LRUStorage when exact recency matters.
type AdaptiveStorage struct {
	cache   *otter.Cache[string, *CacheEntry]
	counter *stats.Counter
}

// NewAdaptiveStorage creates an AdaptiveStorage with at most maxSize entries
// that otter drops maxAge after creation.
func NewAdaptiveStorage(maxSize int, maxAge time.Duration) *AdaptiveStorage {
	if maxSize <= 0 {
		maxSize = 100
	}
	counter := stats.NewCounter()
	opts := &otter.Options[string, *CacheEntry]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
	}
	if maxAge > 0 {
		opts.ExpiryCalculator = otter.ExpiryCreating[string, *CacheEntry](maxAge)
	}
	return &AdaptiveStorage{
		cache:   otter.Must(opts),
		counter: counter,
	}
}

func (s *AdaptiveStorage) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	entry, ok := s.cache.GetEntry(key)
	if !ok {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *AdaptiveStorage) Set(_ context.Context, key string, entry *CacheEntry) error {
	s.cache.Set(key, entry)
	return nil
}

func (s *AdaptiveStorage) Delete(_ context.Context, key string) error {
	s.cache.Invalidate(key)
	return nil
}

func (s *AdaptiveStorage) Clear(_ context.Context) error {
	s.cache.InvalidateAll()
	return nil
}

func (s *AdaptiveStorage) Keys(_ context.Context) ([]string, error) {
	var keys []string
	for k := range s.cache.All() {
		keys = append(keys, k)
	}
	return keys, nil
}

// Stats returns otter's hit and miss counters.
func (s *AdaptiveStorage) Stats() stats.Stats {
	return s.counter.Snapshot()
}

// Len returns otter's estimate of the number of entries.
func (s *AdaptiveStorage) Len() int {
	return s.cache.EstimatedSize()
}
