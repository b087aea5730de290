package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const viewDataField = "data"

// setIfNewer writes the view unless the stored version is strictly greater.
// KEYS[1] view key; ARGV[1] version, ARGV[2] data, ARGV[3] ttl in ms (0 = none).
var setIfNewer = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'v')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// ViewCache is a generic JSON-backed Redis cache for read model projections.
// Each entry is a hash holding the encoded view and the version it was built
// from, so writers racing on the same key keep the newest one.
// Keys are namespaced with prefix; ttl of 0 means no expiry.
type ViewCache[T any] struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewViewCache[T any](client goredis.Cmdable, prefix string, ttl time.Duration, logger *slog.Logger) *ViewCache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &ViewCache[T]{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Get returns (nil, false) on a miss. Connection and decode errors are
// logged and also reported as a miss so callers fall back to the store.
func (c *ViewCache[T]) Get(ctx context.Context, id string) (*T, bool) {
	data, err := c.client.HGet(ctx, c.prefix+id, viewDataField).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn("view cache read failed", "key", c.prefix+id, "error", err)
		}
		return nil, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("view cache decode failed", "key", c.prefix+id, "error", err)
		return nil, false
	}
	return &v, true
}

// SetIfNewer stores value under id unless the cached entry was built from a
// later version. It reports whether the value was stored. A failed cache
// write is non-fatal.
func (c *ViewCache[T]) SetIfNewer(ctx context.Context, id string, value *T, version int64) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("view cache encode failed", "key", c.prefix+id, "error", err)
		return false
	}
	stored, err := setIfNewer.Run(ctx, c.client, []string{c.prefix + id},
		strconv.FormatInt(version, 10), data, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.logger.Warn("view cache write failed", "key", c.prefix+id, "error", err)
		return false
	}
	if stored == 0 {
		c.logger.Debug("view cache kept newer entry", "key", c.prefix+id, "version", version)
	}
	return stored == 1
}
