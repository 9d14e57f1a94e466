package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores events in a Redis list with a monotonic sequence
// counter, for deployments where the gateway runs as multiple replicas.
type RedisLedger struct {
	client *redis.Client
	key    string
	now    func() int64
}

// NewRedisLedger connects to Redis and uses key (default "odin:ledger") as
// the event list.
func NewRedisLedger(addr, key string) *RedisLedger {
	if key == "" {
		key = "odin:ledger"
	}
	return &RedisLedger{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
		now:    func() int64 { return time.Now().UnixNano() },
	}
}

func (l *RedisLedger) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.TsNS == 0 {
		ev.TsNS = l.now()
	}
	seq, err := l.client.Incr(ctx, l.key+":seq").Result()
	if err != nil {
		return Event{}, fmt.Errorf("ledger: redis seq: %w", err)
	}
	ev.Seq = seq

	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal event: %w", err)
	}
	if err := l.client.RPush(ctx, l.key, data).Err(); err != nil {
		return Event{}, fmt.Errorf("ledger: redis append: %w", err)
	}
	return ev, nil
}

func (l *RedisLedger) List(ctx context.Context, limit int) ([]Event, error) {
	return l.Query(ctx, Filter{Limit: limit})
}

func (l *RedisLedger) Query(ctx context.Context, f Filter) ([]Event, error) {
	lines, err := l.client.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: redis range: %w", err)
	}
	var kept []Event
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if f.matches(ev) {
			kept = append(kept, ev)
		}
	}
	out := sortNewestFirst(kept)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close releases the Redis connection.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
