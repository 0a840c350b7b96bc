package securefetch

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CacheConfig controls response caching. In YAML it may be written as a bare
// boolean or as an object.
type CacheConfig struct {
	Enabled              bool          `yaml:"enabled" env:"ENABLED, default=false"`
	MaxAge               time.Duration `yaml:"maxAge" env:"MAX_AGE, default=5m"`
	MaxSize              int           `yaml:"maxSize" env:"MAX_SIZE, default=100"`
	StorageKind          string        `yaml:"storageKind" env:"STORAGE_KIND, default=memory"`
	IncludeQueryParams   bool          `yaml:"includeQueryParams" env:"INCLUDE_QUERY_PARAMS, default=true"`
	CacheableMethods     []string      `yaml:"cacheableMethods" env:"METHODS, default=GET"`
	CacheableStatusCodes []int         `yaml:"cacheableStatusCodes" env:"STATUS_CODES, default=200"`
}

// DefaultCacheConfig returns the cache defaults with caching enabled.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:              true,
		MaxAge:               5 * time.Minute,
		MaxSize:              100,
		StorageKind:          StorageMemory,
		IncludeQueryParams:   true,
		CacheableMethods:     []string{"GET"},
		CacheableStatusCodes: []int{200},
	}
}

// CacheDirectives represents the parsed Cache-Control directives the cache
// layer honours.
type CacheDirectives struct {
	NoStore bool
	NoCache bool
	Private bool
}

// parseCacheControl parses a Cache-Control header into directives.
func parseCacheControl(header string) CacheDirectives {
	var directives CacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if i := strings.IndexByte(part, '='); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		switch part {
		case "no-store":
			directives.NoStore = true
		case "no-cache":
			directives.NoCache = true
		case "private":
			directives.Private = true
		}
	}
	return directives
}

// CacheLayer is an Executor decorator serving eligible requests from Storage
// and storing eligible responses. Eligibility is checked the same way on
// read and on write.
type CacheLayer struct {
	next    Executor
	storage Storage
	keys    CacheKeyGenerator
	config  CacheConfig
	now     func() time.Time
	logger  zerolog.Logger
	metrics *MetricsCollector
}

// NewCacheLayer wraps next with a cache over storage.
func NewCacheLayer(next Executor, storage Storage, config CacheConfig, logger zerolog.Logger, metrics *MetricsCollector) *CacheLayer {
	if len(config.CacheableMethods) == 0 {
		config.CacheableMethods = []string{"GET"}
	}
	if len(config.CacheableStatusCodes) == 0 {
		config.CacheableStatusCodes = []int{200}
	}
	return &CacheLayer{
		next:    next,
		storage: storage,
		keys:    CacheKeyGenerator{IncludeQueryParams: config.IncludeQueryParams},
		config:  config,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// Execute implements Executor.
func (l *CacheLayer) Execute(ctx context.Context, req *Request) *Response {
	key, ok := l.keyFor(req)
	if !ok {
		return l.next.Execute(ctx, req)
	}
	endpoint := endpointOf(req.URL)

	if entry, found := l.lookup(ctx, key); found {
		l.metrics.RecordCacheHit(req.Method, endpoint)
		l.logger.Debug().Str("request_id", req.ID()).Str("cache_key", key).Msg("cache hit")
		resp := successResponse(entry.Status, entry.Header.Clone(), entry.Data)
		resp.Cached = true
		return resp
	}
	l.metrics.RecordCacheMiss(req.Method, endpoint)

	resp := l.next.Execute(ctx, req)
	if l.storable(resp) {
		entry := &CacheEntry{
			Key:       key,
			Data:      resp.Raw,
			Status:    resp.Status,
			Header:    resp.Header.Clone(),
			Timestamp: l.now(),
			Method:    req.Method,
			URL:       req.URL,
		}
		if err := l.storage.Set(ctx, key, entry); err != nil {
			l.logger.Warn().Err(err).Str("cache_key", key).Msg("cache write failed")
		} else {
			l.logger.Debug().Str("request_id", req.ID()).Str("cache_key", key).Msg("response cached")
			if sized, ok := l.storage.(interface{ Len() int }); ok {
				l.metrics.RecordCacheSize(l.config.StorageKind, sized.Len())
			}
		}
	}
	return resp
}

func (l *CacheLayer) keyFor(req *Request) (string, bool) {
	if !l.methodCacheable(req.Method) {
		return "", false
	}
	if _, isReader := req.Body.(io.Reader); isReader {
		return "", false
	}
	body, _, err := encodeBody(req.Body)
	if err != nil {
		return "", false
	}
	return l.keys.Generate(req.Method, req.URL, body), true
}

func (l *CacheLayer) lookup(ctx context.Context, key string) (*CacheEntry, bool) {
	entry, found, err := l.storage.Get(ctx, key)
	if err != nil {
		l.logger.Warn().Err(err).Str("cache_key", key).Msg("cache read failed")
		return nil, false
	}
	if !found {
		return nil, false
	}
	if entry.IsExpired(l.now(), l.config.MaxAge) || !l.statusCacheable(entry.Status) {
		if err := l.storage.Delete(ctx, key); err != nil {
			l.logger.Warn().Err(err).Str("cache_key", key).Msg("cache delete failed")
		}
		return nil, false
	}
	return entry, true
}

func (l *CacheLayer) storable(resp *Response) bool {
	if resp == nil || !resp.Success || resp.Cached || !l.statusCacheable(resp.Status) {
		return false
	}
	directives := parseCacheControl(resp.Header.Get("Cache-Control"))
	return !directives.NoStore && !directives.NoCache
}

func (l *CacheLayer) methodCacheable(method string) bool {
	for _, m := range l.config.CacheableMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (l *CacheLayer) statusCacheable(status int) bool {
	for _, s := range l.config.CacheableStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// Invalidate removes the entry for method and url.
func (l *CacheLayer) Invalidate(ctx context.Context, method, url string) error {
	return l.storage.Delete(ctx, l.keys.Generate(method, url, nil))
}

// Clear removes every entry.
func (l *CacheLayer) Clear(ctx context.Context) error {
	return l.storage.Clear(ctx)
}

// Sweep deletes expired entries and returns how many were removed.
func (l *CacheLayer) Sweep(ctx context.Context, now time.Time) (int, error) {
	keys, err := l.storage.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		entry, found, err := l.storage.Get(ctx, key)
		if err != nil {
			return removed, err
		}
		if found && !entry.IsExpired(now, l.config.MaxAge) {
			continue
		}
		if err := l.storage.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (l *CacheLayer) Len(ctx context.Context) int {
	keys, err := l.storage.Keys(ctx)
	if err != nil {
		return 0
	}
	return len(keys)
}
