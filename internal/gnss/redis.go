package gnss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStateStore keeps detector state in Redis so that several service
// instances share asset state and the fleet anomaly window.
//
// Keys:
//
//	gnss:state:{len(tenant)}:{tenant}:{asset}  JSON State, expires after stateTTL
//	gnss:fleet:{tenant}                        sorted set, score = unix ms, member = asset|unix nanos
type RedisStateStore struct {
	rdb      goredis.UniversalClient
	stateTTL time.Duration
	window   time.Duration
}

// NewRedisStateStore creates a RedisStateStore. stateTTL bounds how long an
// idle asset's state is kept; window is the fleet correlation window.
func NewRedisStateStore(rdb goredis.UniversalClient, stateTTL, window time.Duration) *RedisStateStore {
	return &RedisStateStore{rdb: rdb, stateTTL: stateTTL, window: window}
}

func redisStateKey(tenantID, assetID string) string {
	return "gnss:state:" + stateKey(tenantID, assetID)
}

func redisFleetKey(tenantID string) string {
	return "gnss:fleet:" + tenantID
}

// LoadState implements StateStore.
func (r *RedisStateStore) LoadState(ctx context.Context, tenantID, assetID string) (*State, error) {
	raw, err := r.rdb.Get(ctx, redisStateKey(tenantID, assetID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// SaveState implements StateStore.
func (r *RedisStateStore) SaveState(ctx context.Context, tenantID, assetID string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.rdb.Set(ctx, redisStateKey(tenantID, assetID), raw, r.stateTTL).Err(); err != nil {
		return fmt.Errorf("redis set state: %w", err)
	}
	return nil
}

// RecordAnomaly implements StateStore. Entries older than the window are
// trimmed in the same pipeline.
func (r *RedisStateStore) RecordAnomaly(ctx context.Context, tenantID, assetID string, at time.Time) error {
	key := redisFleetKey(tenantID)
	member := assetID + "|" + strconv.FormatInt(at.UnixNano(), 10)
	cutoff := at.Add(-r.window).UnixMilli()

	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZAdd(ctx, key, goredis.Z{Score: float64(at.UnixMilli()), Member: member})
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		p.Expire(ctx, key, 2*r.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record anomaly: %w", err)
	}
	return nil
}

// FleetAnomalyCount implements StateStore.
func (r *RedisStateStore) FleetAnomalyCount(ctx context.Context, tenantID, excludeAsset string, since, until time.Time) (int, error) {
	members, err := r.rdb.ZRangeByScore(ctx, redisFleetKey(tenantID), &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: strconv.FormatInt(until.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis fleet window: %w", err)
	}
	n := 0
	for _, m := range members {
		asset := m
		if i := strings.LastIndexByte(m, '|'); i >= 0 {
			asset = m[:i]
		}
		if asset != excludeAsset {
			n++
		}
	}
	return n, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisStateStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
