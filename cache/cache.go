// Package cache stores fetched team game logs in Redis so repeated pipeline
// runs on the same day skip the stats service.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nbaattend/enrich"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "nbaattend:gamelog:"

// Redis implements enrich.LookupCache.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ enrich.LookupCache = (*Redis)(nil)

// NewRedis connects to redisURL (redis://host:port/db) and checks the
// connection.
func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, ttl), nil
}

func New(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func Key(teamID int) string {
	return fmt.Sprintf("%s%d", keyPrefix, teamID)
}

func (r *Redis) GetLookup(ctx context.Context, teamID int) (enrich.TeamLookup, bool, error) {
	data, err := r.client.Get(ctx, Key(teamID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	lookup, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return lookup, true, nil
}

func (r *Redis) SetLookup(ctx context.Context, teamID int, lookup enrich.TeamLookup) error {
	data, err := encode(lookup)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, Key(teamID), data, r.ttl).Err()
}

// Invalidate drops cached lookups for the given teams.
func (r *Redis) Invalidate(ctx context.Context, teamIDs ...int) error {
	if len(teamIDs) == 0 {
		return nil
	}
	keys := make([]string, len(teamIDs))
	for i, id := range teamIDs {
		keys[i] = Key(id)
	}
	return r.client.Del(ctx, keys...).Err()
}

func encode(lookup enrich.TeamLookup) ([]byte, error) {
	return json.Marshal(map[string]string(lookup))
}

// decode rejects an empty lookup so an exhausted team is never served from
// cache.
func decode(data []byte) (enrich.TeamLookup, error) {
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, errors.New("cached lookup is empty")
	}
	return enrich.TeamLookup(m), nil
}
