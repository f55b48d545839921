package concept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/reports/internal/platform/db"
)

// DefaultCacheTTL applies when no TTL is configured.
const DefaultCacheTTL = 10 * time.Minute

// RedisClient is the subset of *redis.Client the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedDictionary is a read-through Redis cache in front of another
// Dictionary. Redis errors are logged and the lookup falls through, so an
// unavailable cache degrades to uncached resolution. Unknown codes are not
// cached.
type CachedDictionary struct {
	next      Dictionary
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
	logger    zerolog.Logger
}

func NewCachedDictionary(next Dictionary, client RedisClient, keyPrefix string, ttl time.Duration, logger zerolog.Logger) *CachedDictionary {
	if keyPrefix == "" {
		keyPrefix = "reports"
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedDictionary{
		next:      next,
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With().Str("component", "concept-cache").Logger(),
	}
}

// NewRedisClient connects to REDIS_URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// The tenant is part of the key: concept ids differ between tenant schemas.
func (d *CachedDictionary) key(ctx context.Context, kind, code string) string {
	tenant := db.TenantFromContext(ctx)
	return d.keyPrefix + ":concept:" + tenant + ":" + kind + ":" + code
}

func (d *CachedDictionary) ResolveConcept(ctx context.Context, code string) (uuid.UUID, error) {
	key := d.key(ctx, "id", code)
	var ids []uuid.UUID
	if d.get(ctx, key, &ids) && len(ids) == 1 {
		return ids[0], nil
	}

	id, err := d.next.ResolveConcept(ctx, code)
	if err != nil {
		return uuid.Nil, err
	}
	d.set(ctx, key, []uuid.UUID{id})
	return id, nil
}

func (d *CachedDictionary) ResolveConceptSet(ctx context.Context, code string) ([]uuid.UUID, error) {
	key := d.key(ctx, "set", code)
	var ids []uuid.UUID
	if d.get(ctx, key, &ids) {
		return ids, nil
	}

	ids, err := d.next.ResolveConceptSet(ctx, code)
	if err != nil {
		return nil, err
	}
	d.set(ctx, key, ids)
	return ids, nil
}

func (d *CachedDictionary) get(ctx context.Context, key string, dest *[]uuid.UUID) bool {
	data, err := d.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("concept cache read failed")
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("discarding malformed concept cache entry")
		return false
	}
	return true
}

func (d *CachedDictionary) set(ctx context.Context, key string, ids []uuid.UUID) {
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, key, data, d.ttl).Err(); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("concept cache write failed")
	}
}
