package stores

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func newClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func TestOTPChallengeMatchConsumesSlot(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewOTPChallengeStore(rdb, "", clock.Now)
	ctx := context.Background()

	rec := &OTPChallenge{IdentityID: "id-1", CodeHash: sha256.Sum256([]byte("123456")), ExpiresAt: clock.Now().Add(5 * time.Minute).Unix()}
	if err := store.Save(ctx, "t1", "+15551234567", rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Consume(ctx, "t1", "+15551234567", sha256.Sum256([]byte("123456")), 5)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.IdentityID != "id-1" {
		t.Fatalf("unexpected identity %q", got.IdentityID)
	}

	_, err = store.Consume(ctx, "t1", "+15551234567", sha256.Sum256([]byte("123456")), 5)
	if !errors.Is(err, ErrOTPChallengeNotFound) {
		t.Fatalf("replay must fail with not found, got %v", err)
	}
}

func TestOTPChallengeAttemptsExceededEvenWithCorrectCode(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewOTPChallengeStore(rdb, "", clock.Now)
	ctx := context.Background()

	good := sha256.Sum256([]byte("123456"))
	bad := sha256.Sum256([]byte("000000"))
	if err := store.Save(ctx, "t1", "m", &OTPChallenge{CodeHash: good, ExpiresAt: clock.Now().Add(5 * time.Minute).Unix()}); err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := store.Consume(ctx, "t1", "m", bad, 5); !errors.Is(err, ErrOTPChallengeMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i+1, err)
		}
	}
	if _, err := store.Consume(ctx, "t1", "m", good, 5); !errors.Is(err, ErrOTPChallengeExceeded) {
		t.Fatalf("expected exceeded, got %v", err)
	}
}

func TestOTPChallengeExpiresByClock(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewOTPChallengeStore(rdb, "", clock.Now)
	ctx := context.Background()

	good := sha256.Sum256([]byte("123456"))
	if err := store.Save(ctx, "t1", "m", &OTPChallenge{CodeHash: good, ExpiresAt: clock.Now().Add(5 * time.Minute).Unix()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	clock.Advance(5*time.Minute + time.Second)

	if _, err := store.Consume(ctx, "t1", "m", good, 5); !errors.Is(err, ErrOTPChallengeExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestOTPChallengeSlotsAreTenantScoped(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewOTPChallengeStore(rdb, "", clock.Now)
	ctx := context.Background()

	good := sha256.Sum256([]byte("123456"))
	if err := store.Save(ctx, "t1", "m", &OTPChallenge{CodeHash: good, ExpiresAt: clock.Now().Add(time.Minute).Unix()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Consume(ctx, "t2", "m", good, 5); !errors.Is(err, ErrOTPChallengeNotFound) {
		t.Fatalf("expected not found in other tenant, got %v", err)
	}
}

func TestOTPChallengeConcurrentConsumeSingleWinner(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewOTPChallengeStore(rdb, "", clock.Now)
	ctx := context.Background()

	good := sha256.Sum256([]byte("654321"))
	if err := store.Save(ctx, "t1", "m", &OTPChallenge{CodeHash: good, ExpiresAt: clock.Now().Add(time.Minute).Unix()}); err != nil {
		t.Fatalf("save: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "t1", "m", good, 5); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestLoginSessionLifecycle(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewLoginSessionStore(rdb, "", clock.Now)
	ctx := context.Background()

	rec := &LoginSession{IdentityID: "id-1", TenantID: "t1", ExpiresAt: clock.Now().Add(5 * time.Minute).Unix()}
	if err := store.Save(ctx, "sid", rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "sid")
	if err != nil || got.IdentityID != "id-1" || got.TenantID != "t1" {
		t.Fatalf("get: %+v %v", got, err)
	}

	exceeded, err := store.RecordFailure(ctx, "sid", 2)
	if err != nil || exceeded {
		t.Fatalf("first failure: exceeded=%v err=%v", exceeded, err)
	}
	exceeded, err = store.RecordFailure(ctx, "sid", 2)
	if err != nil || !exceeded {
		t.Fatalf("second failure should exceed: exceeded=%v err=%v", exceeded, err)
	}
	if _, err := store.Get(ctx, "sid"); !errors.Is(err, ErrLoginSessionNotFound) {
		t.Fatalf("session must be dropped after exceeding attempts, got %v", err)
	}
}

func TestLoginSessionDeleteIsSingleUse(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewLoginSessionStore(rdb, "", clock.Now)
	ctx := context.Background()

	if err := store.Save(ctx, "sid", &LoginSession{IdentityID: "id", ExpiresAt: clock.Now().Add(time.Minute).Unix()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, err := store.Delete(ctx, "sid")
	if err != nil || !first {
		t.Fatalf("first delete: %v %v", first, err)
	}
	second, err := store.Delete(ctx, "sid")
	if err != nil || second {
		t.Fatalf("second delete must report false: %v %v", second, err)
	}
}

func TestLoginSessionExpiredByClock(t *testing.T) {
	rdb, _ := newRedis(t)
	clock := newClock()
	store := NewLoginSessionStore(rdb, "", clock.Now)
	ctx := context.Background()

	if err := store.Save(ctx, "sid", &LoginSession{IdentityID: "id", ExpiresAt: clock.Now().Add(time.Minute).Unix()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := store.Get(ctx, "sid"); !errors.Is(err, ErrLoginSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestTokenBlacklistSetNXAndTTL(t *testing.T) {
	rdb, mr := newRedis(t)
	bl := NewTokenBlacklist(rdb, "")
	ctx := context.Background()

	added, err := bl.Add(ctx, "t1", "jti-1", time.Hour)
	if err != nil || !added {
		t.Fatalf("first add: %v %v", added, err)
	}
	added, err = bl.Add(ctx, "t1", "jti-1", time.Hour)
	if err != nil || added {
		t.Fatalf("second add must lose: %v %v", added, err)
	}
	if ok, _ := bl.Contains(ctx, "t2", "jti-1"); ok {
		t.Fatal("blacklist entries must be tenant scoped")
	}

	mr.FastForward(time.Hour + time.Second)
	if ok, _ := bl.Contains(ctx, "t1", "jti-1"); ok {
		t.Fatal("entry must be pruned with the token lifetime")
	}
}

func TestKeyTTLCoversFullLifetimeWithSubSecondClock(t *testing.T) {
	rdb, mr := newRedis(t)
	clock := &testClock{now: time.Unix(1_700_000_000, 900_000_000)}
	ctx := context.Background()
	lifetime := 5 * time.Minute

	otp := NewOTPChallengeStore(rdb, "", clock.Now)
	if err := otp.Save(ctx, "t1", "m", &OTPChallenge{ExpiresAt: clock.Now().Add(lifetime).Unix()}); err != nil {
		t.Fatalf("save challenge: %v", err)
	}
	if ttl := mr.TTL(otp.key("t1", "m")); ttl < lifetime {
		t.Fatalf("challenge key ttl %v shorter than %v", ttl, lifetime)
	}

	sessions := NewLoginSessionStore(rdb, "", clock.Now)
	if err := sessions.Save(ctx, "sid", &LoginSession{IdentityID: "id", ExpiresAt: clock.Now().Add(lifetime).Unix()}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if ttl := mr.TTL(sessions.key("sid")); ttl < lifetime {
		t.Fatalf("session key ttl %v shorter than %v", ttl, lifetime)
	}

	// Still readable at the last second of its lifetime.
	clock.Advance(lifetime)
	if _, err := sessions.Get(ctx, "sid"); err != nil {
		t.Fatalf("session must be live through its expiry second: %v", err)
	}
}
