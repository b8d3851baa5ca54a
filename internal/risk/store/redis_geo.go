package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openidx/loginrisk/internal/risk"
)

const (
	geoKeyPrefix = "geoip:"

	fieldRecord       = "record"
	fieldLookupCount  = "lookup_count"
	fieldLastLookupAt = "last_lookup_at"

	maxWatchRetries = 5
)

// RedisGeoRecords is a GeoRecordStore kept in Redis hashes under
// geoip:{tenant}:{ip}. The lookup counter lives in its own field so hits are
// counted with HINCRBY without rewriting the record. Keys carry no TTL:
// records looked up more than once are kept, and PurgeSingleLookups is the
// only path that deletes.
type RedisGeoRecords struct {
	client redis.UniversalClient
}

// NewRedisGeoRecords creates a RedisGeoRecords over client.
func NewRedisGeoRecords(client redis.UniversalClient) *RedisGeoRecords {
	return &RedisGeoRecords{client: client}
}

func geoKey(tenant, ip string) string {
	return geoKeyPrefix + tenant + ":" + ip
}

func (s *RedisGeoRecords) Get(ctx context.Context, tenant, ip string) (*risk.GeoLookupRecord, error) {
	fields, err := s.client.HGetAll(ctx, geoKey(tenant, ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get geo record: %w", err)
	}
	if len(fields) == 0 {
		return nil, risk.ErrGeoNotFound
	}
	return decodeGeoHash(fields)
}

func decodeGeoHash(fields map[string]string) (*risk.GeoLookupRecord, error) {
	raw, ok := fields[fieldRecord]
	if !ok {
		return nil, risk.ErrGeoNotFound
	}
	var rec risk.GeoLookupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode geo record: %w", err)
	}
	if v, ok := fields[fieldLookupCount]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.LookupCount = n
		}
	}
	if v, ok := fields[fieldLastLookupAt]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.LastLookupAt = t
		}
	}
	return &rec, nil
}

// watch runs fn under WATCH on key, retrying when another client changed
// the key first.
func (s *RedisGeoRecords) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("geo record %s: too much contention", key)
}

// Save stores rec and increments its lookup counter. An escalated record
// already in Redis keeps its threat level.
func (s *RedisGeoRecords) Save(ctx context.Context, rec *risk.GeoLookupRecord) error {
	key := geoKey(rec.Tenant, rec.IPAddress)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		toStore := *rec
		toStore.Stale = false

		raw, err := tx.HGet(ctx, key, fieldRecord).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev risk.GeoLookupRecord
			if json.Unmarshal([]byte(raw), &prev) == nil && prev.Escalated {
				toStore.Escalated = true
				toStore.ThreatLevel = prev.ThreatLevel
			}
		}
		body, err := json.Marshal(toStore)
		if err != nil {
			return err
		}

		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldRecord, body,
				fieldLastLookupAt, rec.LastLookupAt.UTC().Format(time.RFC3339Nano))
			incr = pipe.HIncrBy(ctx, key, fieldLookupCount, 1)
			return nil
		})
		if err != nil {
			return err
		}
		rec.LookupCount = incr.Val()
		rec.Escalated = toStore.Escalated
		rec.ThreatLevel = toStore.ThreatLevel
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save geo record: %w", err)
	}
	return nil
}

func (s *RedisGeoRecords) Touch(ctx context.Context, tenant, ip string, at time.Time) (int64, error) {
	key := geoKey(tenant, ip)
	var count int64
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return risk.ErrGeoNotFound
		}
		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.HIncrBy(ctx, key, fieldLookupCount, 1)
			pipe.HSet(ctx, key, fieldLastLookupAt, at.UTC().Format(time.RFC3339Nano))
			return nil
		})
		if err != nil {
			return err
		}
		count = incr.Val()
		return nil
	})
	if errors.Is(err, risk.ErrGeoNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to touch geo record: %w", err)
	}
	return count, nil
}

func (s *RedisGeoRecords) SetThreatLevel(ctx context.Context, tenant, ip string, level risk.ThreatLevel, _ time.Time) (bool, error) {
	key := geoKey(tenant, ip)
	found := false
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, fieldRecord).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec risk.GeoLookupRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return err
		}
		rec.ThreatLevel = level
		rec.Escalated = true
		body, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRecord, body)
			return nil
		})
		if err == nil {
			found = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to set threat level: %w", err)
	}
	return found, nil
}

// PurgeSingleLookups scans every tenant's records.
func (s *RedisGeoRecords) PurgeSingleLookups(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	iter := s.client.Scan(ctx, 0, geoKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to read geo record %s: %w", key, err)
		}
		rec, err := decodeGeoHash(fields)
		if err != nil {
			continue
		}
		if rec.LookupCount <= 1 && rec.LastLookupAt.Before(cutoff) && rec.CachedUntil.Before(cutoff) {
			n, err := s.client.Del(ctx, key).Result()
			if err != nil {
				return purged, fmt.Errorf("failed to delete geo record %s: %w", key, err)
			}
			purged += n
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("failed to scan geo records: %w", err)
	}
	return purged, nil
}
