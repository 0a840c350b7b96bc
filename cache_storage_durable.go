package securefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// storedEntry is the persisted form of a CacheEntry. Pointer fields let
// validation tell a missing field from a zero value.
type storedEntry struct {
	Key       string      `json:"key"`
	Data      []byte      `json:"data"`
	Status    *int        `json:"status"`
	Header    http.Header `json:"headers"`
	Timestamp *int64      `json:"timestamp"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
}

func (s *storedEntry) valid() bool {
	return s.Key != "" && s.Status != nil && *s.Status > 0 && s.Timestamp != nil && *s.Timestamp > 0
}

// DurableStorage keeps cache entries in a KeyValueStore under a per-origin
// namespace. A key index is stored alongside so Keys and Clear work on
// backends without key enumeration. Malformed entries are deleted on read
// and reported as misses.
type DurableStorage struct {
	mu        sync.Mutex
	store     KeyValueStore
	namespace string
	logger    zerolog.Logger
}

// NewDurableStorage creates a DurableStorage for origin over store.
func NewDurableStorage(store KeyValueStore, origin string, logger zerolog.Logger) *DurableStorage {
	return &DurableStorage{
		store:     store,
		namespace: "cache:" + origin + ":",
		logger:    logger,
	}
}

func (s *DurableStorage) itemKey(key string) string {
	return s.namespace + key
}

func (s *DurableStorage) indexKey() string {
	return s.namespace + "__index"
}

func (s *DurableStorage) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	raw, ok, err := s.store.GetItem(ctx, s.itemKey(key))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var stored storedEntry
	if err := decodeStoredEntry(raw, key, &stored); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("dropping malformed cache entry")
		if err := s.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	return &CacheEntry{
		Key:       stored.Key,
		Data:      stored.Data,
		Status:    *stored.Status,
		Header:    stored.Header,
		Timestamp: time.UnixMilli(*stored.Timestamp),
		Method:    stored.Method,
		URL:       stored.URL,
	}, true, nil
}

// decodeStoredEntry parses raw into out. Failures are CacheCorruptionErrors;
// they are logged and never returned to callers of Get.
func decodeStoredEntry(raw, key string, out *storedEntry) error {
	var cause error
	switch err := json.Unmarshal([]byte(raw), out); {
	case err != nil:
		cause = err
	case !out.valid():
		cause = errors.New("missing key, status or timestamp")
	case out.Key != key:
		cause = fmt.Errorf("entry belongs to key %q", out.Key)
	default:
		return nil
	}
	return &ClientError{
		Type:      ErrorTypeCacheCorruption,
		Message:   "malformed cache entry",
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func (s *DurableStorage) Set(ctx context.Context, key string, entry *CacheEntry) error {
	status := entry.Status
	ts := entry.Timestamp.UnixMilli()
	data, err := json.Marshal(storedEntry{
		Key:       key,
		Data:      entry.Data,
		Status:    &status,
		Header:    entry.Header,
		Timestamp: &ts,
		Method:    entry.Method,
		URL:       entry.URL,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetItem(ctx, s.itemKey(key), string(data)); err != nil {
		return err
	}
	return s.updateIndex(ctx, func(keys map[string]struct{}) { keys[key] = struct{}{} })
}

func (s *DurableStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.RemoveItem(ctx, s.itemKey(key)); err != nil {
		return err
	}
	return s.updateIndex(ctx, func(keys map[string]struct{}) { delete(keys, key) })
}

func (s *DurableStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	for key := range keys {
		if err := s.store.RemoveItem(ctx, s.itemKey(key)); err != nil {
			return err
		}
	}
	return s.store.RemoveItem(ctx, s.indexKey())
}

func (s *DurableStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(index))
	for key := range index {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *DurableStorage) readIndex(ctx context.Context) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	raw, ok, err := s.store.GetItem(ctx, s.indexKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return keys, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.logger.Warn().Err(err).Msg("resetting malformed cache index")
		return keys, nil
	}
	for _, k := range list {
		keys[k] = struct{}{}
	}
	return keys, nil
}

func (s *DurableStorage) updateIndex(ctx context.Context, mutate func(map[string]struct{})) error {
	keys, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	mutate(keys)
	if len(keys) == 0 {
		return s.store.RemoveItem(ctx, s.indexKey())
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}
	return s.store.SetItem(ctx, s.indexKey(), string(data))
}
