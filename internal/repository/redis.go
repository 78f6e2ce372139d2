package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pennonhq/pennon/internal/core"
)

const redisConnectTimeout = 5 * time.Second

// RedisStore keeps activation state, scoped records, and group data in Redis
// for deployments that want feature reads off the relational database.
// Definitions and events stay in PostgreSQL regardless of the state driver.
// Implements core.StateStore, core.ScopeStore, and core.GroupStore.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis using the given URL and verifies the
// connection with a ping before returning.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "pennon"}, nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) stateKey(feature string) string {
	return s.prefix + ":state:" + feature
}

func (s *RedisStore) scopedKey(feature, kind string) string {
	return s.prefix + ":scoped:" + feature + ":" + kind
}

func (s *RedisStore) groupKey(group string) string {
	return s.prefix + ":group:" + group
}

func (s *RedisStore) groupFeaturesKey(group string) string {
	return s.prefix + ":group-features:" + group
}

func (s *RedisStore) groupMembersKey(group string) string {
	return s.prefix + ":group-members:" + group
}

func (s *RedisStore) membershipsKey(contextKey string) string {
	return s.prefix + ":memberships:" + contextKey
}

// Lookup returns the explicit activation stored for the exact context, if
// any.
func (s *RedisStore) Lookup(ctx context.Context, feature, contextKey string) (any, bool, error) {
	payload, err := s.client.HGet(ctx, s.stateKey(feature), contextKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lookup state: %w", err)
	}

	value, err := decodeValue([]byte(payload))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// LookupEveryone returns the feature-wide value, if any.
func (s *RedisStore) LookupEveryone(ctx context.Context, feature string) (any, bool, error) {
	return s.Lookup(ctx, feature, core.EveryoneKey)
}

// Store upserts the explicit activation for a context.
func (s *RedisStore) Store(ctx context.Context, feature, contextKey string, value any) error {
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.stateKey(feature), contextKey, string(payload)).Err(); err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	return nil
}

// StoreEveryone upserts the feature-wide value.
func (s *RedisStore) StoreEveryone(ctx context.Context, feature string, value any) error {
	return s.Store(ctx, feature, core.EveryoneKey, value)
}

// Remove deletes the explicit activation for a context.
func (s *RedisStore) Remove(ctx context.Context, feature, contextKey string) error {
	if err := s.client.HDel(ctx, s.stateKey(feature), contextKey).Err(); err != nil {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

// Purge deletes all stored state for the named features, or every state and
// scoped-record key when none are named.
func (s *RedisStore) Purge(ctx context.Context, features ...string) error {
	if len(features) == 0 {
		for _, pattern := range []string{s.prefix + ":state:*", s.prefix + ":scoped:*"} {
			if err := s.deleteByPattern(ctx, pattern); err != nil {
				return err
			}
		}
		return nil
	}

	for _, feature := range features {
		if err := s.client.Del(ctx, s.stateKey(feature)).Err(); err != nil {
			return fmt.Errorf("purge state: %w", err)
		}
		if err := s.deleteByPattern(ctx, s.scopedKey(feature, "*")); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) deleteByPattern(ctx context.Context, pattern string) error {
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("purge key %q: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	return nil
}

// AddScopedRecord appends a scoped activation record. Insertion order is the
// tie-break order, so records always go on the tail.
func (s *RedisStore) AddScopedRecord(ctx context.Context, record core.ScopeRecord) error {
	if record.WrittenAt.IsZero() {
		record.WrittenAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode scoped record: %w", err)
	}
	if err := s.client.RPush(ctx, s.scopedKey(record.Feature, record.Kind), string(payload)).Err(); err != nil {
		return fmt.Errorf("add scoped record: %w", err)
	}
	return nil
}

// ScopedRecords returns the scoped activation records for a feature and
// context kind, in insertion order.
func (s *RedisStore) ScopedRecords(ctx context.Context, feature, kind string) ([]core.ScopeRecord, error) {
	payloads, err := s.client.LRange(ctx, s.scopedKey(feature, kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list scoped records: %w", err)
	}

	records := make([]core.ScopeRecord, 0, len(payloads))
	for _, payload := range payloads {
		var record core.ScopeRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("decode scoped record: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}

// DefineGroup creates or updates a group.
func (s *RedisStore) DefineGroup(ctx context.Context, name, description string) error {
	if err := s.client.Set(ctx, s.groupKey(name), description, 0).Err(); err != nil {
		return fmt.Errorf("define group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group and its feature values. Memberships are left
// behind; GroupValue reports them as stale.
func (s *RedisStore) DeleteGroup(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.groupKey(name), s.groupFeaturesKey(name)).Err(); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// GroupExists reports whether the group's backing record is present.
func (s *RedisStore) GroupExists(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, s.groupKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check group: %w", err)
	}
	return n > 0, nil
}

// SetGroupFeature activates a feature for every member of a group.
func (s *RedisStore) SetGroupFeature(ctx context.Context, group, feature string, value any) error {
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.groupFeaturesKey(group), feature, string(payload)).Err(); err != nil {
		return fmt.Errorf("set group feature: %w", err)
	}
	return nil
}

// AssignGroup adds a context to a group. Re-assignment keeps the original
// position.
func (s *RedisStore) AssignGroup(ctx context.Context, group, contextKey string) error {
	assigned, err := s.listContains(ctx, s.membershipsKey(contextKey), group)
	if err != nil {
		return err
	}
	if assigned {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.membershipsKey(contextKey), group)
	pipe.RPush(ctx, s.groupMembersKey(group), contextKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("assign group: %w", err)
	}
	return nil
}

// UnassignGroup removes a context from a group.
func (s *RedisStore) UnassignGroup(ctx context.Context, group, contextKey string) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, s.membershipsKey(contextKey), 0, group)
	pipe.LRem(ctx, s.groupMembersKey(group), 0, contextKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unassign group: %w", err)
	}
	return nil
}

// Members returns the context keys assigned to a group, in assignment order.
func (s *RedisStore) Members(ctx context.Context, group string) ([]string, error) {
	members, err := s.client.LRange(ctx, s.groupMembersKey(group), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	return members, nil
}

// GroupsFor returns the groups a context belongs to, in assignment order.
func (s *RedisStore) GroupsFor(ctx context.Context, contextKey string) ([]string, error) {
	groups, err := s.client.LRange(ctx, s.membershipsKey(contextKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list groups for context: %w", err)
	}
	return groups, nil
}

// GroupValue returns the group's activated value for a feature, if any.
// Returns core.ErrGroupNotFound when the group's backing record is gone.
func (s *RedisStore) GroupValue(ctx context.Context, group, feature string) (any, bool, error) {
	exists, err := s.GroupExists(ctx, group)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, core.ErrGroupNotFound
	}

	payload, err := s.client.HGet(ctx, s.groupFeaturesKey(group), feature).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("group value: %w", err)
	}

	value, err := decodeValue([]byte(payload))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *RedisStore) listContains(ctx context.Context, key, member string) (bool, error) {
	_, err := s.client.LPos(ctx, key, member, redis.LPosArgs{}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}
