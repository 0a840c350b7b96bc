package securefetch

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore is a KeyValueStore backed by Valkey. Reads use server-assisted
// client-side caching for clientCacheTTL.
type ValkeyStore struct {
	client         valkey.Client
	prefix         string
	ttl            time.Duration
	clientCacheTTL time.Duration
}

// NewValkeyStore wraps client. A positive ttl expires written keys; a
// positive clientCacheTTL enables DoCache on reads.
func NewValkeyStore(client valkey.Client, prefix string, ttl, clientCacheTTL time.Duration) *ValkeyStore {
	if prefix == "" {
		prefix = "securefetch"
	}
	return &ValkeyStore{
		client:         client,
		prefix:         prefix,
		ttl:            ttl,
		clientCacheTTL: clientCacheTTL,
	}
}

func (s *ValkeyStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *ValkeyStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	var result valkey.ValkeyResult
	if s.clientCacheTTL > 0 {
		result = s.client.DoCache(ctx, s.client.B().Get().Key(s.key(key)).Cache(), s.clientCacheTTL)
	} else {
		result = s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build())
	}

	val, err := result.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("valkey get %q: %w", key, err)
	}
	return val, true, nil
}

func (s *ValkeyStore) SetItem(ctx context.Context, key, value string) error {
	var cmd valkey.Completed
	if s.ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(value).ExSeconds(int64(s.ttl.Seconds())).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(value).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set %q: %w", key, err)
	}
	return nil
}

func (s *ValkeyStore) RemoveItem(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("valkey del %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
