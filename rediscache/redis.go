// Package rediscache stores Pipedrive responses in Redis so several client
// processes share one cache. It implements pipedrive.Cache.
package rediscache

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pipedrive "github.com/iamsamuelfraga/mcp-pipedrive-sub000"
)

// ErrNilClient is returned by New when no redis client is given.
var ErrNilClient = errors.New("rediscache: nil client")

const (
	defaultPrefix = "pipedrive:"
	scanBatch     = 256
)

// Options configures key namespacing and expiry.
type Options struct {
	// Prefix namespaces every key; defaults to "pipedrive:".
	Prefix string
	// DefaultTTL applies when Set is called with ttl <= 0; defaults to 5m.
	DefaultTTL time.Duration
	// CloseClient makes Close release the client. Set it only if the cache
	// exclusively owns it.
	CloseClient bool
}

// Cache is a pipedrive.Cache on top of Redis. Capacity is left to the
// server's maxmemory policy.
type Cache struct {
	rdb         goredis.UniversalClient
	prefix      string
	defaultTTL  time.Duration
	closeClient bool
}

var _ pipedrive.Cache = (*Cache)(nil)

// New wraps rdb. The client stays owned by the caller unless opts.CloseClient is set.
func New(rdb goredis.UniversalClient, opts Options) (*Cache, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	return &Cache{rdb: rdb, prefix: opts.Prefix, defaultTTL: opts.DefaultTTL, closeClient: opts.CloseClient}, nil
}

// Get returns the value under key; a missing key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set stores value under key with ttl, or the default TTL when ttl <= 0.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.rdb.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Invalidate deletes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}

// InvalidatePattern scans the namespace and deletes the keys whose
// unprefixed form matches pattern.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	removed := 0
	err := c.scan(ctx, func(keys []string) error {
		var doomed []string
		for _, k := range keys {
			if pattern.MatchString(strings.TrimPrefix(k, c.prefix)) {
				doomed = append(doomed, k)
			}
		}
		if len(doomed) == 0 {
			return nil
		}
		n, err := c.rdb.Del(ctx, doomed...).Result()
		removed += int(n)
		return err
	})
	return removed, err
}

// Clear deletes every key in the namespace.
func (c *Cache) Clear(ctx context.Context) error {
	return c.scan(ctx, func(keys []string) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// Size counts the keys in the namespace.
func (c *Cache) Size(ctx context.Context) (int, error) {
	size := 0
	err := c.scan(ctx, func(keys []string) error {
		size += len(keys)
		return nil
	})
	return size, err
}

// Close releases the underlying redis client only when this cache owns it.
func (c *Cache) Close() error {
	if c.closeClient {
		if err := c.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (c *Cache) scan(ctx context.Context, fn func(keys []string) error) error {
	match := escapeGlob(c.prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

var globMeta = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globMeta.Replace(s)
}
