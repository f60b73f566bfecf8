package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
)

// DefaultRedisPrefix namespaces rule keys.
const DefaultRedisPrefix = "dualrun:rules"

// RedisStore keeps rule versions as JSON documents under
// <prefix>:<apiType>:<version> with an active pointer per API type, so
// several routers can share administratively managed rules.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

// DialRedis connects and pings before returning the store.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(rdb, ""), nil
}

func (s *RedisStore) versionKey(apiType, version string) string {
	return s.prefix + ":" + apiType + ":" + version
}

func (s *RedisStore) activeKey(apiType string) string {
	return s.prefix + ":" + apiType + ":active"
}

func (s *RedisStore) seqKey(apiType string) string {
	return s.prefix + ":" + apiType + ":seq"
}

// Put validates rule, allocates the next version and publishes the document
// and the active pointer in one MULTI/EXEC.
func (s *RedisStore) Put(ctx context.Context, rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	seq, err := s.rdb.Incr(ctx, s.seqKey(rule.APIType)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate rule version: %w", err)
	}

	stored := rule.Clone()
	stored.Version = "v" + strconv.FormatInt(seq, 10)
	stored.CreatedAt = s.now().UTC()
	doc, err := jsoncodec.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.versionKey(stored.APIType, stored.Version), doc, 0)
		pipe.Set(ctx, s.activeKey(stored.APIType), stored.Version, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish rule: %w", err)
	}
	return stored, nil
}

// GetActiveRule follows the active pointer. An API type without a pointer
// gets Empty.
func (s *RedisStore) GetActiveRule(ctx context.Context, apiType string) (*Rule, error) {
	version, err := s.rdb.Get(ctx, s.activeKey(apiType)).Result()
	if errors.Is(err, redis.Nil) {
		return Empty(apiType), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active rule pointer: %w", err)
	}
	return s.Version(ctx, apiType, version)
}

// Version loads one published version.
func (s *RedisStore) Version(ctx context.Context, apiType, version string) (*Rule, error) {
	doc, err := s.rdb.Get(ctx, s.versionKey(apiType, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: rule %s@%s", errorspkg.ErrNotFound, apiType, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rule %s@%s: %w", apiType, version, err)
	}
	var rule Rule
	if err := jsoncodec.Unmarshal(doc, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s@%s: %w", apiType, version, err)
	}
	return &rule, nil
}

// Activate points apiType back at an existing version.
func (s *RedisStore) Activate(ctx context.Context, apiType, version string) error {
	exists, err := s.rdb.Exists(ctx, s.versionKey(apiType, version)).Result()
	if err != nil {
		return fmt.Errorf("failed to check rule version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: rule %s@%s", errorspkg.ErrNotFound, apiType, version)
	}
	return s.rdb.Set(ctx, s.activeKey(apiType), version, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
