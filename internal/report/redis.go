package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/matst80/socketproxy/internal/obs"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "socketproxy:info:"

// redisStore shares snapshots between instances. Each key expires unless
// refreshed, so crashed instances drop out on their own.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(addr, password string, db int) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{client: rdb, ttl: 2 * time.Minute}, nil
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) Publish(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+s.Instance, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *redisStore) List(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err != redis.Nil {
				obs.Error("redis.get_snapshot", obs.Fields{"err": err.Error(), "key": iter.Val()})
			}
			continue
		}
		var s Snapshot
		if err := json.Unmarshal([]byte(val), &s); err != nil {
			obs.Error("redis.unmarshal_snapshot", obs.Fields{"err": err.Error(), "key": iter.Val()})
			continue
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	sortSnapshots(out)
	return out, nil
}

func (r *redisStore) Close() error { return r.client.Close() }

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].Instance < s[j].Instance })
}
