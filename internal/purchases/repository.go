package purchases

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assessly/assessly/internal/logging"
	"github.com/assessly/assessly/internal/metrics"
)

// AccessRepository answers access checks. It is the single place where the
// cache and the authoritative store are combined.
type AccessRepository interface {
	Lookup(ctx context.Context, userID, assessmentID string) (AccessStatus, error)
	// Invalidate drops any cached answer for the pair after a grant. It never
	// fails; cache errors are logged.
	Invalidate(ctx context.Context, userID, assessmentID string)
	// Revoked marks the pair as revoked so that no lookup which read the
	// store before the revocation can repopulate the cache.
	Revoked(ctx context.Context, userID, assessmentID string)
}

// StoreRepository reads the store on every lookup.
type StoreRepository struct {
	store AccessStore
	now   func() time.Time
}

// NewStoreRepository creates a store-only repository.
func NewStoreRepository(store AccessStore) *StoreRepository {
	return &StoreRepository{store: store, now: time.Now}
}

func (r *StoreRepository) Lookup(ctx context.Context, userID, assessmentID string) (AccessStatus, error) {
	a, err := r.store.GetActiveAccess(ctx, userID, assessmentID)
	if errors.Is(err, ErrAccessNotFound) {
		return AccessStatus{}, nil
	}
	if err != nil {
		return AccessStatus{}, err
	}
	if !a.IsActive(r.now()) {
		return AccessStatus{}, nil
	}
	return StatusFromAccess(a), nil
}

func (r *StoreRepository) Invalidate(context.Context, string, string) {}

func (r *StoreRepository) Revoked(context.Context, string, string) {}

// redisClient is the subset of go-redis used by CachedRepository.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// DefaultCacheTTL bounds how long a positive answer is served from cache.
const DefaultCacheTTL = 30 * time.Second

// CachedRepository puts a Redis tier in front of the store.
//
// Lookup order: a cache hit wins; a miss or any cache error falls through to
// the store, whose answer is returned (store errors are returned as-is).
// Only positive answers are cached, never past their expiry, so a pending
// grant is visible as soon as the store has it. A revocation leaves a
// tombstone for one TTL; fills only write absent keys, so a lookup racing the
// revocation cannot bring the old grant back.
type CachedRepository struct {
	client redisClient
	store  *StoreRepository
	ttl    time.Duration
	now    func() time.Time
}

// NewCachedRepository creates a two-tier repository. A ttl <= 0 uses DefaultCacheTTL.
func NewCachedRepository(client redisClient, store AccessStore, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedRepository{
		client: client,
		store:  NewStoreRepository(store),
		ttl:    ttl,
		now:    time.Now,
	}
}

// tombstone is the cached value of a pair revoked within the last TTL.
const tombstone = "revoked"

// cacheKey length-prefixes the user id so that ids containing the separator
// cannot collide.
func cacheKey(userID, assessmentID string) string {
	return "access:" + strconv.Itoa(len(userID)) + ":" + userID + ":" + assessmentID
}

func (r *CachedRepository) Lookup(ctx context.Context, userID, assessmentID string) (AccessStatus, error) {
	key := cacheKey(userID, assessmentID)

	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil && string(raw) == tombstone:
		metrics.AccessCacheLookupsTotal.WithLabelValues("miss").Inc()
	case err == nil:
		var st AccessStatus
		if jsonErr := json.Unmarshal(raw, &st); jsonErr == nil && st.stillValid(r.now()) {
			metrics.AccessCacheLookupsTotal.WithLabelValues("hit").Inc()
			return st, nil
		}
		metrics.AccessCacheLookupsTotal.WithLabelValues("miss").Inc()
	case errors.Is(err, redis.Nil):
		metrics.AccessCacheLookupsTotal.WithLabelValues("miss").Inc()
	default:
		metrics.AccessCacheLookupsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("access cache read failed", "key", key, "error", err)
	}

	st, err := r.store.Lookup(ctx, userID, assessmentID)
	if err != nil {
		return AccessStatus{}, err
	}
	if st.HasAccess {
		r.fill(ctx, key, st)
	}
	return st, nil
}

func (r *CachedRepository) fill(ctx context.Context, key string, st AccessStatus) {
	ttl := r.ttl
	if st.ExpiresAt != nil {
		if remaining := st.ExpiresAt.Sub(r.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := r.client.SetNX(ctx, key, raw, ttl).Err(); err != nil {
		logging.L(ctx).Warn("access cache write failed", "key", key, "error", err)
	}
}

func (r *CachedRepository) Invalidate(ctx context.Context, userID, assessmentID string) {
	key := cacheKey(userID, assessmentID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		logging.L(ctx).Warn("access cache invalidation failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (r *CachedRepository) Revoked(ctx context.Context, userID, assessmentID string) {
	key := cacheKey(userID, assessmentID)
	if err := r.client.Set(ctx, key, tombstone, r.ttl).Err(); err != nil {
		logging.L(ctx).Warn("access cache tombstone failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (st AccessStatus) stillValid(now time.Time) bool {
	if !st.HasAccess {
		return false
	}
	return st.ExpiresAt == nil || st.ExpiresAt.After(now)
}

var (
	_ AccessRepository = (*StoreRepository)(nil)
	_ AccessRepository = (*CachedRepository)(nil)
)
