package reservations

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultKeyPrefix = "creditd:reservations:"

// claimScript removes a reservation from both the record hash and the
// deadline index and returns the record. Only the first caller gets the
// record back; everyone else gets nil.
var claimScript = redis.NewScript(`
local record = redis.call('HGET', KEYS[1], ARGV[1])
if not record then
	return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return record
`)

// RedisTracker stores reservations in Redis so every service replica and
// the standalone sweeper share one view. Records live in a hash keyed by
// reservation id; a sorted set scored by deadline indexes them for the sweep.
type RedisTracker struct {
	client    *redis.Client
	recordKey string
	indexKey  string
}

// NewRedisTracker creates a tracker on client. An empty prefix uses the default.
func NewRedisTracker(client *redis.Client, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisTracker{
		client:    client,
		recordKey: prefix + "records",
		indexKey:  prefix + "deadlines",
	}
}

var _ Tracker = (*RedisTracker)(nil)

func deadlineScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (t *RedisTracker) Track(ctx context.Context, r Reservation) error {
	if r.ID == "" {
		return fmt.Errorf("reservation id is required")
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, t.recordKey, r.ID, data)
		pipe.ZAdd(ctx, t.indexKey, &redis.Z{Score: deadlineScore(r.ExpiresAt), Member: r.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track reservation: %w", err)
	}
	return nil
}

func (t *RedisTracker) Claim(ctx context.Context, id string) (*Reservation, bool, error) {
	data, err := claimScript.Run(ctx, t.client, []string{t.recordKey, t.indexKey}, id).Text()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim reservation: %w", err)
	}

	var r Reservation
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		// claimed but unreadable; the caller still owns settlement
		return nil, true, &CorruptRecordError{ID: id, Record: data, Err: err}
	}
	return &r, true, nil
}

func (t *RedisTracker) Get(ctx context.Context, id string) (*Reservation, error) {
	data, err := t.client.HGet(ctx, t.recordKey, id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	var r Reservation
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation %s: %w", id, err)
	}
	return &r, nil
}

func (t *RedisTracker) Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(deadlineScore(now), 'f', 0, 64),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := t.client.ZRangeByScore(ctx, t.indexKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan deadlines: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := t.client.HMGet(ctx, t.recordKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}

	expired := make([]Reservation, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// claimed between the two reads; drop the stale index entry
			t.client.ZRem(ctx, t.indexKey, ids[i])
			continue
		}
		var r Reservation
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reservation %s: %w", ids[i], err)
		}
		expired = append(expired, r)
	}
	return expired, nil
}

// Len returns the number of outstanding reservations
func (t *RedisTracker) Len(ctx context.Context) (int64, error) {
	return t.client.HLen(ctx, t.recordKey).Result()
}
