// Package storetest is a conformance suite for sessions.Store backends.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/sessions"
)

// Config is handed to a Factory for each sub-test.
type Config struct {
	TTL                 time.Duration
	DefaultMaxToolCalls int
	Clock               sessions.Clock
}

// Factory creates a fresh, isolated Store for one sub-test.
type Factory func(t *testing.T, cfg Config) sessions.Store

// Clock is a manually advanced time source. Times are millisecond aligned
// so backends that persist millisecond timestamps compare equal.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at the current wall time.
func NewClock() *Clock {
	return &Clock{now: time.UnixMilli(time.Now().UnixMilli())}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testTTL = 30 * time.Minute

// RunStoreTests runs the complete Store suite against the provided factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("Create_AppliesDefaults", func(t *testing.T) { testCreateAppliesDefaults(t, factory) })
	t.Run("Create_RejectsInvalidParams", func(t *testing.T) { testCreateRejectsInvalidParams(t, factory) })
	t.Run("Create_PreservesFields", func(t *testing.T) { testCreatePreservesFields(t, factory) })
	t.Run("Get_TouchesLastAccess", func(t *testing.T) { testGetTouchesLastAccess(t, factory) })
	t.Run("Get_UnknownIsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("Expiry_LooksLikeMissing", func(t *testing.T) { testExpiryLooksLikeMissing(t, factory) })
	t.Run("Quota_CountsAttemptsPastLimit", func(t *testing.T) { testQuotaCountsPastLimit(t, factory) })
	t.Run("Quota_ConcurrentIncrementsAreAtomic", func(t *testing.T) { testQuotaConcurrent(t, factory) })
	t.Run("Extend_RefreshesExpiry", func(t *testing.T) { testExtend(t, factory) })
	t.Run("Delete_RemovesSession", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Stats_CountsActiveAndExpired", func(t *testing.T) { testStats(t, factory) })
}

func newStore(t *testing.T, factory Factory, defaultMax int) (sessions.Store, *Clock) {
	t.Helper()
	clock := NewClock()
	st := factory(t, Config{TTL: testTTL, DefaultMaxToolCalls: defaultMax, Clock: clock.Now})
	return st, clock
}

func testCreateAppliesDefaults(t *testing.T, factory Factory) {
	st, clock := newStore(t, factory, 0)
	ctx := context.Background()

	sess, err := st.Create(ctx, sessions.CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected a session id")
	}
	if sess.Quota.Max != sessions.DefaultMaxToolCalls || sess.Quota.Used != 0 {
		t.Fatalf("unexpected quota: %+v", sess.Quota)
	}
	if !sess.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("createdAt = %v, want %v", sess.CreatedAt, clock.Now())
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != testTTL {
		t.Fatalf("expiresAt - createdAt = %v, want %v", got, testTTL)
	}

	other, err := st.Create(ctx, sessions.CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if other.ID == sess.ID {
		t.Fatalf("expected unique ids")
	}
}

func testCreateRejectsInvalidParams(t *testing.T, factory Factory) {
	st, _ := newStore(t, factory, 0)
	_, err := st.Create(context.Background(), sessions.CreateParams{DangerousPolicy: "sometimes"})
	if !errors.Is(err, sessions.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	_, err = st.Create(context.Background(), sessions.CreateParams{MaxToolCalls: -1})
	if !errors.Is(err, sessions.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func testCreatePreservesFields(t *testing.T, factory Factory) {
	st, _ := newStore(t, factory, 7)
	ctx := context.Background()

	params := sessions.CreateParams{
		Caller: sessions.Caller{
			UserID:      "user-1",
			AccountID:   "act_42",
			AccessToken: "upstream-token",
			Attributes:  map[string]string{"direction": "d-1"},
		},
		ConversationID:  "conv-9",
		AllowedTools:    []string{"get_campaigns", "pause_campaign"},
		DangerousPolicy: sessions.DangerousPolicyAllow,
		ProtocolVersion: "2025-06-18",
	}
	created, err := st.Create(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Quota.Max != 7 {
		t.Fatalf("expected store default max 7, got %d", created.Quota.Max)
	}

	got, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Caller.UserID != "user-1" || got.Caller.AccountID != "act_42" || got.Caller.AccessToken != "upstream-token" {
		t.Fatalf("caller not preserved: %+v", got.Caller)
	}
	if got.Caller.Attributes["direction"] != "d-1" {
		t.Fatalf("caller attributes not preserved: %+v", got.Caller.Attributes)
	}
	if got.ConversationID != "conv-9" || got.DangerousPolicy != sessions.DangerousPolicyAllow || got.ProtocolVersion != "2025-06-18" {
		t.Fatalf("fields not preserved: %+v", got)
	}
	if len(got.AllowedTools) != 2 || got.AllowedTools[0] != "get_campaigns" || got.AllowedTools[1] != "pause_campaign" {
		t.Fatalf("allowed tools not preserved: %v", got.AllowedTools)
	}

	explicit, err := st.Create(ctx, sessions.CreateParams{MaxToolCalls: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if explicit.Quota.Max != 3 {
		t.Fatalf("expected explicit max 3, got %d", explicit.Quota.Max)
	}
}

func testGetTouchesLastAccess(t *testing.T, factory Factory) {
	st, clock := newStore(t, factory, 0)
	ctx := context.Background()

	created, err := st.Create(ctx, sessions.CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Minute)

	got, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastAccessedAt.Equal(clock.Now()) {
		t.Fatalf("lastAccessedAt = %v, want %v", got.LastAccessedAt, clock.Now())
	}
	if !got.ExpiresAt.Equal(created.ExpiresAt) {
		t.Fatalf("get must not extend expiry: %v != %v", got.ExpiresAt, created.ExpiresAt)
	}
}

func testGetUnknown(t *testing.T, factory Factory) {
	st, _ := newStore(t, factory, 0)
	if _, err := st.Get(context.Background(), "does-not-exist"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testExpiryLooksLikeMissing(t *testing.T, factory Factory) {
	st, clock := newStore(t, factory, 0)
	ctx := context.Background()

	created, err := st.Create(ctx, sessions.CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(testTTL + time.Second)

	if _, err := st.Get(ctx, created.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("get: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := st.IncrementToolCalls(ctx, created.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("increment: expected ErrSessionNotFound, got %v", err)
	}
	ok, err := st.Extend(ctx, created.ID)
	if err != nil || ok {
		t.Fatalf("extend: expected (false, nil), got (%v, %v)", ok, err)
	}
	if err := st.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func testQuotaCountsPastLimit(t *testing.T, factory Factory) {
	st, _ := newStore(t, factory, 0)
	ctx := context.Background()

	sess, err := st.Create(ctx, sessions.CreateParams{MaxToolCalls: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 3; i++ {
		res, err := st.IncrementToolCalls(ctx, sess.ID)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !res.Allowed || res.Used != i || res.Max != 3 {
			t.Fatalf("increment %d: unexpected result %+v", i, res)
		}
	}
	res, err := st.IncrementToolCalls(ctx, sess.ID)
	if err != nil {
		t.Fatalf("increment 4: %v", err)
	}
	if res.Allowed || res.Used != 4 || res.Max != 3 {
		t.Fatalf("increment 4: unexpected result %+v", res)
	}

	got, err := st.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Quota.Used != 4 {
		t.Fatalf("expected used 4 after denial, got %d", got.Quota.Used)
	}
}

func testQuotaConcurrent(t *testing.T, factory Factory) {
	st, _ := newStore(t, factory, 0)
	ctx := context.Background()

	const (
		attempts = 50
		limit    = 10
	)
	sess, err := st.Create(ctx, sessions.CreateParams{MaxToolCalls: limit})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		seen    = make(map[int]bool)
		errs    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := st.IncrementToolCalls(ctx, sess.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if seen[res.Used] {
				errs = append(errs, errors.New("duplicate used value observed"))
			}
			seen[res.Used] = true
			if res.Allowed {
				allowed++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("increment errors: %v", errs)
	}
	if allowed != limit {
		t.Fatalf("expected exactly %d admitted calls, got %d", limit, allowed)
	}
	got, err := st.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Quota.Used != attempts {
		t.Fatalf("expected %d counted attempts, got %d", attempts, got.Quota.Used)
	}
}

func testExtend(t *testing.T, factory Factory) {
	st, clock := newStore(t, factory, 0)
	ctx := context.Background()

	created, err := st.Create(ctx, sessions.CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(20 * time.Minute)

	ok, err := st.Extend(ctx, created.ID)
	if err != nil || !ok {
		t.Fatalf("extend: got (%v, %v)", ok, err)
	}
	clock.Advance(20 * time.Minute)

	got, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("expected session to survive past original expiry: %v", err)
	}
	want := created.CreatedAt.Add(20 * time.Minute).Add(testTTL)
	if !got.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", got.ExpiresAt, want)
	}

	ok, err = st.Extend(ctx, "does-not-exist")
	if err != nil || ok {
		t.Fatalf("extend unknown: got (%v, %v)", ok, err)
	}
}

func testDelete(t *testing.T, factory Factory) {
	st, _ := newStore(t, factory, 0)
	ctx := context.Background()

	created, err := st.Create(ctx, sessions.CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get(ctx, created.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if _, err := st.IncrementToolCalls(ctx, created.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := st.Delete(ctx, created.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func testStats(t *testing.T, factory Factory) {
	st, clock := newStore(t, factory, 0)
	ctx := context.Background()

	if _, err := st.Create(ctx, sessions.CreateParams{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(20 * time.Minute)
	if _, err := st.Create(ctx, sessions.CreateParams{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(15 * time.Minute)

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Active != 1 || stats.Expired != 1 || stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
