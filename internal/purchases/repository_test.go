package purchases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is an in-process stand-in for the go-redis commands the
// repository uses.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failGet bool
	gets    int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failGet {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	_, exists := f.data[key]
	f.mu.Unlock()
	if exists {
		return redis.NewBoolResult(false, nil)
	}
	f.Set(ctx, key, value, exp)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// failingAccessStore returns an error from every read.
type failingAccessStore struct {
	AccessStore
}

func (failingAccessStore) GetActiveAccess(context.Context, string, string) (*Access, error) {
	return nil, errors.New("db down")
}

func TestStoreRepository_Lookup(t *testing.T) {
	store := NewMemoryStore()
	repo := NewStoreRepository(store)
	ctx := context.Background()

	st, err := repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, st.HasAccess)

	require.NoError(t, store.GrantAccess(ctx, &Access{ID: "acc_1", UserID: "u1", AssessmentID: "a1", GrantedAt: time.Now(), Reason: ReasonAdminGrant}))
	st, err = repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, st.HasAccess)
	assert.Nil(t, st.PurchaseID)
}

func TestCachedRepository_MissThenHit(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	repo := NewCachedRepository(rdb, store, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.GrantAccess(ctx, &Access{ID: "acc_1", UserID: "u1", AssessmentID: "a1", GrantedAt: time.Now(), Reason: ReasonAdminGrant}))

	st, err := repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, st.HasAccess)
	assert.Contains(t, rdb.data, cacheKey("u1", "a1"))
	assert.Equal(t, time.Minute, rdb.ttls[cacheKey("u1", "a1")])

	// Revoke behind the cache's back: the cached positive still wins.
	_, err = store.RevokeActiveAccess(ctx, "u1", "a1", time.Now())
	require.NoError(t, err)
	st, err = repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, st.HasAccess)

	repo.Invalidate(ctx, "u1", "a1")
	st, err = repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, st.HasAccess)
}

func TestCachedRepository_NegativeNotCached(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	repo := NewCachedRepository(rdb, store, 0)
	ctx := context.Background()

	st, err := repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, st.HasAccess)
	assert.Empty(t, rdb.data)

	require.NoError(t, store.GrantAccess(ctx, &Access{ID: "acc_1", UserID: "u1", AssessmentID: "a1", GrantedAt: time.Now(), Reason: ReasonPurchase}))
	st, err = repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, st.HasAccess, "a grant is visible immediately")
}

func TestCachedRepository_TTLCappedByExpiry(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	repo := NewCachedRepository(rdb, store, time.Hour)
	ctx := context.Background()

	expires := time.Now().Add(10 * time.Minute)
	require.NoError(t, store.GrantAccess(ctx, &Access{ID: "acc_1", UserID: "u1", AssessmentID: "a1", GrantedAt: time.Now(), Reason: ReasonAdminGrant, ExpiresAt: &expires}))

	_, err := repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.LessOrEqual(t, rdb.ttls[cacheKey("u1", "a1")], 10*time.Minute)
}

func TestCachedRepository_CacheErrorFallsThrough(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	rdb.failGet = true
	repo := NewCachedRepository(rdb, store, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.GrantAccess(ctx, &Access{ID: "acc_1", UserID: "u1", AssessmentID: "a1", GrantedAt: time.Now(), Reason: ReasonAdminGrant}))

	st, err := repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, st.HasAccess)
}

func TestCachedRepository_StoreErrorReturned(t *testing.T) {
	repo := NewCachedRepository(newFakeRedis(), failingAccessStore{}, time.Minute)
	_, err := repo.Lookup(context.Background(), "u1", "a1")
	assert.EqualError(t, err, "db down")
}

func TestCachedRepository_ExpiredCachedEntryIgnored(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	repo := NewCachedRepository(rdb, store, time.Minute)
	ctx := context.Background()

	rdb.data[cacheKey("u1", "a1")] = `{"hasAccess":true,"expiresAt":"2000-01-01T00:00:00Z"}`

	st, err := repo.Lookup(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, st.HasAccess)
}

func TestCacheKey_Unambiguous(t *testing.T) {
	assert.NotEqual(t, cacheKey("u:x", "a1"), cacheKey("u", "x:a1"))
	assert.NotEqual(t, cacheKey("u1", "2:a"), cacheKey("u1:2", "a"))
}

func TestCachedRepository_ColonIDsDoNotShareEntries(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	svc := NewService(store).WithRepository(NewCachedRepository(rdb, store, time.Minute))
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "u:x", AssessmentID: "a1"})
	require.NoError(t, err)

	st, err := svc.CheckAccess(ctx, "u:x", "a1")
	require.NoError(t, err)
	require.True(t, st.HasAccess)

	st, err = svc.CheckAccess(ctx, "u", "x:a1")
	require.NoError(t, err)
	assert.False(t, st.HasAccess)
}

// pausingStore holds the next GetActiveAccess after it has read the store,
// until release is closed.
type pausingStore struct {
	*MemoryStore
	armed   bool
	read    chan struct{}
	release chan struct{}
}

func (p *pausingStore) GetActiveAccess(ctx context.Context, userID, assessmentID string) (*Access, error) {
	a, err := p.MemoryStore.GetActiveAccess(ctx, userID, assessmentID)
	if p.armed {
		p.armed = false
		close(p.read)
		<-p.release
	}
	return a, err
}

func TestCachedRepository_LookupRacingRevokeDoesNotRestoreAccess(t *testing.T) {
	store := NewMemoryStore()
	paused := &pausingStore{MemoryStore: store, read: make(chan struct{}), release: make(chan struct{})}
	rdb := newFakeRedis()
	repo := NewCachedRepository(rdb, paused, time.Minute)
	svc := NewService(store).WithRepository(repo)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "u1", AssessmentID: "a1"})
	require.NoError(t, err)

	paused.armed = true
	done := make(chan AccessStatus)
	go func() {
		st, _ := repo.Lookup(ctx, "u1", "a1")
		done <- st
	}()

	<-paused.read
	_, err = svc.Revoke(ctx, "u1", "a1")
	require.NoError(t, err)
	close(paused.release)

	// The in-flight lookup answers from its earlier read, but must not cache it.
	assert.True(t, (<-done).HasAccess)

	st, err := svc.CheckAccess(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, st.HasAccess)
	assert.Equal(t, tombstone, rdb.data[cacheKey("u1", "a1")])
}

func TestCachedRepository_GrantClearsTombstone(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	svc := NewService(store).WithRepository(NewCachedRepository(rdb, store, time.Minute))
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "u1", AssessmentID: "a1"})
	require.NoError(t, err)
	_, err = svc.Revoke(ctx, "u1", "a1")
	require.NoError(t, err)
	require.Equal(t, tombstone, rdb.data[cacheKey("u1", "a1")])

	_, err = svc.Grant(ctx, GrantRequest{UserID: "u1", AssessmentID: "a1"})
	require.NoError(t, err)

	st, err := svc.CheckAccess(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, st.HasAccess)
	assert.NotEqual(t, tombstone, rdb.data[cacheKey("u1", "a1")], "the fresh grant is cached again")
}

func TestCachedRepository_RefundLeavesTombstone(t *testing.T) {
	store := NewMemoryStore()
	rdb := newFakeRedis()
	svc := NewService(store).WithRepository(NewCachedRepository(rdb, store, time.Minute))
	ctx := context.Background()

	_, err := svc.RecordSucceeded(ctx, outcome("evt_1", "pi_1", "u1", "a1"))
	require.NoError(t, err)
	st, err := svc.CheckAccess(ctx, "u1", "a1")
	require.NoError(t, err)
	require.True(t, st.HasAccess)

	_, err = svc.RecordRefunded(ctx, "pi_1", "evt_2")
	require.NoError(t, err)
	assert.Equal(t, tombstone, rdb.data[cacheKey("u1", "a1")])

	st, err = svc.CheckAccess(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, st.HasAccess)
}
