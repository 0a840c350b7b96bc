package securefetch

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"
)

// CacheEntry is a stored response.
type CacheEntry struct {
	Key       string      `json:"key"`
	Data      []byte      `json:"data"`
	Status    int         `json:"status"`
	Header    http.Header `json:"headers"`
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
}

// IsExpired reports whether the entry is older than maxAge at now. A zero
// timestamp is always expired.
func (e *CacheEntry) IsExpired(now time.Time, maxAge time.Duration) bool {
	if e == nil || e.Timestamp.IsZero() {
		return true
	}
	return now.Sub(e.Timestamp) > maxAge
}

// Storage is the cache storage abstraction.
type Storage interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// Storage kinds accepted by CacheConfig.StorageKind.
const (
	StorageMemory   = "memory"
	StorageAdaptive = "adaptive"
	StorageDurable  = "durable"
)

type lruItem struct {
	key   string
	entry *CacheEntry
}

// LRUStorage is a bounded in-memory Storage with exact least-recently-used
// eviction. Get promotes the entry to most recently used.
type LRUStorage struct {
	mu      sync.Mutex
	order   *list.List
	items   map[string]*list.Element
	maxSize int
}

// NewLRUStorage creates an LRUStorage holding at most maxSize entries.
func NewLRUStorage(maxSize int) *LRUStorage {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &LRUStorage{
		order:   list.New(),
		items:   make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

func (s *LRUStorage) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	return el.Value.(*lruItem).entry, true, nil
}

// Set stores entry, evicting the least recently used entry first when key is
// new and the storage is full.
func (s *LRUStorage) Set(_ context.Context, key string, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		s.order.MoveToFront(el)
		return nil
	}

	for s.order.Len() >= s.maxSize {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		evicted := s.order.Remove(oldest).(*lruItem)
		delete(s.items, evicted.key)
	}

	s.items[key] = s.order.PushFront(&lruItem{key: key, entry: entry})
	return nil
}

func (s *LRUStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
	return nil
}

func (s *LRUStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	s.order.Init()
	s.items = make(map[string]*list.Element)
	s.mu.Unlock()
	return nil
}

// Keys returns keys from most to least recently used.
func (s *LRUStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruItem).key)
	}
	return keys, nil
}

// Len returns the number of stored entries.
func (s *LRUStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
