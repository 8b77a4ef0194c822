package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

// boundsKeyPrefix namespaces the per-bucket hashes.
const boundsKeyPrefix = "banggood:bounds:"

// extendScript widens every bucket hash in KEYS by the batch ranges in ARGV
// and returns the merged ranges. ARGV holds nine values per key:
// set, min, max for rating, reviews and price in that order. Unset ranges
// come back as empty strings. Values are stored as the caller's strings so
// no precision is lost to Lua number formatting.
var extendScript = redis.NewScript(`
local attrs = {'rating', 'reviews', 'price'}
local out = {}
for i, key in ipairs(KEYS) do
  local res = {}
  for j, attr in ipairs(attrs) do
    local off = (i - 1) * 9 + (j - 1) * 3
    local set = ARGV[off + 1] == '1'
    local lo, hi = ARGV[off + 2], ARGV[off + 3]
    local cur = redis.call('HMGET', key, attr .. '_min', attr .. '_max')
    if cur[1] and cur[2] then
      if not set then
        lo, hi, set = cur[1], cur[2], true
      else
        if tonumber(cur[1]) < tonumber(lo) then lo = cur[1] end
        if tonumber(cur[2]) > tonumber(hi) then hi = cur[2] end
      end
    end
    if set then
      redis.call('HSET', key, attr .. '_min', lo, attr .. '_max', hi)
      table.insert(res, lo)
      table.insert(res, hi)
    else
      table.insert(res, '')
      table.insert(res, '')
    end
  end
  out[i] = res
end
return out
`)

// RedisBoundsStore keeps running normalization bounds in Redis so scores stay
// comparable across batches. Each bucket is one hash; Extend merges a whole
// batch atomically.
type RedisBoundsStore struct {
	rdb    *redis.Client
	logger *utils.Logger
}

// NewRedisBoundsStore connects to Redis and verifies the connection.
func NewRedisBoundsStore(ctx context.Context, addr string, db int, logger *utils.Logger) (*RedisBoundsStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	logger.Info("[redis] Connected to %s (db %d)", addr, db)
	return &RedisBoundsStore{rdb: rdb, logger: logger}, nil
}

// Extend merges the batch bounds into the stored ones and returns the merged
// bounds for every bucket in batch.
func (s *RedisBoundsStore) Extend(ctx context.Context, batch map[string]models.Bounds) (map[string]models.Bounds, error) {
	if len(batch) == 0 {
		return map[string]models.Bounds{}, nil
	}

	buckets := make([]string, 0, len(batch))
	for b := range batch {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	keys := make([]string, 0, len(buckets))
	args := make([]any, 0, len(buckets)*9)
	for _, bucket := range buckets {
		keys = append(keys, boundsKeyPrefix+bucket)
		b := batch[bucket]
		for _, r := range []models.Range{b.Rating, b.Reviews, b.Price} {
			args = append(args, rangeArgs(r)...)
		}
	}

	res, err := extendScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: extend bounds: %w", err)
	}
	if len(res) != len(buckets) {
		return nil, fmt.Errorf("redis: extend bounds: got %d buckets, want %d", len(res), len(buckets))
	}

	merged := make(map[string]models.Bounds, len(buckets))
	for i, bucket := range buckets {
		b, err := parseBoundsReply(res[i])
		if err != nil {
			return nil, fmt.Errorf("redis: bucket %q: %w", bucket, err)
		}
		merged[bucket] = b
	}
	s.logger.Debug("[redis] Extended bounds for %d buckets", len(merged))
	return merged, nil
}

// Close releases the Redis connection pool.
func (s *RedisBoundsStore) Close() error {
	return s.rdb.Close()
}

func rangeArgs(r models.Range) []any {
	if !r.Set {
		return []any{"0", "0", "0"}
	}
	return []any{"1", formatFloat(r.Min), formatFloat(r.Max)}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseBoundsReply(v any) (models.Bounds, error) {
	vals, ok := v.([]any)
	if !ok || len(vals) != 6 {
		return models.Bounds{}, fmt.Errorf("unexpected reply %v", v)
	}
	ranges := make([]models.Range, 3)
	for j := range ranges {
		loStr, _ := vals[j*2].(string)
		hiStr, _ := vals[j*2+1].(string)
		if loStr == "" || hiStr == "" {
			continue
		}
		lo, err := strconv.ParseFloat(loStr, 64)
		if err != nil {
			return models.Bounds{}, err
		}
		hi, err := strconv.ParseFloat(hiStr, 64)
		if err != nil {
			return models.Bounds{}, err
		}
		ranges[j] = models.Range{Min: lo, Max: hi, Set: true}
	}
	return models.Bounds{Rating: ranges[0], Reviews: ranges[1], Price: ranges[2]}, nil
}
